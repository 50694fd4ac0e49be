package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/redmage123/artemis/coreengine/twopass"
)

func newCompareCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <first.json> <second.json>",
		Short: "Compare two pass results and report whether to roll back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			first, err := readPassResult(args[0])
			if err != nil {
				return err
			}
			second, err := readPassResult(args[1])
			if err != nil {
				return err
			}

			comparator := twopass.NewPassComparatorWithThreshold(cfg.TwoPass.NoiseThreshold, nil, nil)
			delta, err := comparator.Compare(first, second)
			if err != nil {
				return err
			}
			rollback := twopass.ShouldRollbackWithThreshold(delta, cfg.TwoPass.RollbackThreshold)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "first:          %s (quality %.3f)\n", delta.FirstPassName, first.QualityScore)
			fmt.Fprintf(out, "second:         %s (quality %.3f)\n", delta.SecondPassName, second.QualityScore)
			fmt.Fprintf(out, "quality delta:  %+.3f\n", delta.QualityDelta)
			fmt.Fprintf(out, "new artifacts:  %s\n", listOrNone(delta.NewArtifacts))
			fmt.Fprintf(out, "new learnings:  %s\n", listOrNone(delta.NewLearnings))
			fmt.Fprintf(out, "classification: %s\n", comparator.Classify(delta))
			fmt.Fprintf(out, "rollback:       %t\n", rollback)
			return nil
		},
	}
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func readPassResult(path string) (*twopass.PassResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pass result: %w", err)
	}
	var result twopass.PassResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing pass result %s: %w", path, err)
	}
	return &result, nil
}
