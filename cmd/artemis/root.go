package main

import (
	"github.com/spf13/cobra"

	"github.com/redmage123/artemis/coreengine/config"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// loadConfig returns defaults overlaid with the config file (when given)
// and ARTEMIS_* environment variables.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.LoadBytes(nil)
	}
	return config.Load(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "artemis",
		Short: "Pipeline recovery and supervision for Artemis",
		Long: `artemis supervises the agents of an autonomous development pipeline.

It classifies crashes and hangs, runs recovery workflows, restores pipeline
state and reports agent health over gRPC, NATS and prometheus.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSnapshotCmd(opts))
	root.AddCommand(newWorkflowsCmd(opts))
	root.AddCommand(newCompareCmd(opts))
	root.AddCommand(newStagesCmd(opts))
	return root
}
