package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/redmage123/artemis/coreengine/workflows"
)

func newWorkflowsCmd(opts *rootOptions) *cobra.Command {
	var definitionsFile string

	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "List, validate and export recovery workflows",
	}
	workflowsCmd.PersistentFlags().StringVarP(&definitionsFile, "file", "f", "",
		"workflow definitions YAML (default: workflows.definitions_path from config)")

	// registry builds the registry with inert handlers; nothing here runs an action.
	registry := func() (*workflows.Registry, error) {
		path := definitionsFile
		if path == "" {
			cfg, err := opts.loadConfig()
			if err != nil {
				return nil, err
			}
			path = cfg.Workflows.DefinitionsPath
		}
		return loadRegistry(path, workflows.DefaultHandlers(workflows.HandlerDeps{}))
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the workflow registered for every issue type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := registry()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ISSUE\tCATEGORY\tACTIONS\tON SUCCESS\tON FAILURE")
			for _, wf := range r.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					wf.IssueType, wf.IssueType.Category(), strings.Join(wf.ActionNames(), ","),
					wf.SuccessState, wf.FailureState)
			}
			return w.Flush()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workflow definitions against the handler catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := registry()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d workflows valid\n", r.Len())
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Print the effective workflows as a definitions document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := registry()
			if err != nil {
				return err
			}
			data, err := workflows.MarshalDefinitions(r.List())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	workflowsCmd.AddCommand(listCmd, validateCmd, exportCmd)
	return workflowsCmd
}
