package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/redmage123/artemis/coreengine/config"
	"github.com/redmage123/artemis/coreengine/pipeline"
)

type stagesOptions struct {
	complexity string
	timeBudget time.Duration
	maxStages  int
	only       []string
}

func newStagesCmd(opts *rootOptions) *cobra.Command {
	so := &stagesOptions{}

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the stages a run would execute, in dependency order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("complexity") {
				so.complexity = cfg.Pipeline.Complexity
			}
			if !cmd.Flags().Changed("time-budget") {
				so.timeBudget = cfg.Pipeline.TimeBudget
			}
			if !cmd.Flags().Changed("max-stages") {
				so.maxStages = cfg.Pipeline.MaxStages
			}

			selected := selectStages(&cfg.Pipeline, so)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tCATEGORY\tCRITICAL\tESTIMATE\tDEPENDS ON")
			for _, stage := range selected {
				sc, _ := cfg.Pipeline.Stage(stage.Name)
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
					stage.Name, stage.EffectiveCategory(), stage.Critical,
					stage.EstimatedDuration, strings.Join(sc.DependsOn, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&so.complexity, "complexity", "", "project complexity: simple, moderate, complex or enterprise")
	cmd.Flags().DurationVar(&so.timeBudget, "time-budget", 0, "drop non-critical stages that do not fit this budget")
	cmd.Flags().IntVar(&so.maxStages, "max-stages", 0, "cap the number of stages")
	cmd.Flags().StringSliceVar(&so.only, "only", nil, "run only these stages")
	return cmd
}

// selectStages runs the configured plan through the complexity and resource
// selectors, then the manual selection when one is given.
func selectStages(pc *config.PipelineConfig, so *stagesOptions) []pipeline.Stage {
	order := pc.Order()
	stages := make([]pipeline.Stage, 0, len(order))
	for _, sc := range order {
		stages = append(stages, pipeline.Stage{
			Name:              sc.Name,
			Category:          pipeline.StageCategory(sc.Category),
			Critical:          sc.Critical,
			EstimatedDuration: sc.EstimatedDuration,
		})
	}

	sel := pipeline.SelectionContext{
		Complexity: pipeline.ProjectComplexity(so.complexity),
		Resources:  &pipeline.ResourceConstraints{TimeBudget: so.timeBudget, MaxStages: so.maxStages},
	}
	stages = pipeline.NewComplexityBasedSelector(nil).SelectStages(stages, sel)
	stages = pipeline.NewResourceBasedSelector(nil).SelectStages(stages, sel)
	if len(so.only) > 0 {
		stages = pipeline.NewManualSelector(so.only...).SelectStages(stages, sel)
	}
	return stages
}
