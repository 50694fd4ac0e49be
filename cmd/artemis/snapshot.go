package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redmage123/artemis/coreengine/state"
)

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	var stateDir string

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or discard persisted pipeline state",
	}
	snapshotCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "snapshot directory (default: state.dir from config)")

	persistence := func(cardID string) (*state.StatePersistence, error) {
		dir := stateDir
		if dir == "" {
			cfg, err := opts.loadConfig()
			if err != nil {
				return nil, err
			}
			dir = cfg.State.Dir
		}
		return state.NewStatePersistence(dir, cardID, nil)
	}

	showCmd := &cobra.Command{
		Use:   "show <card-id>",
		Short: "Print the snapshot of a card as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := persistence(args[0])
			if err != nil {
				return err
			}
			snap, ok := p.LoadPipelineSnapshot()
			if !ok {
				return fmt.Errorf("no readable snapshot at %s", p.Path())
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("marshalling snapshot: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <card-id>",
		Short: "Delete the snapshot of a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := persistence(args[0])
			if err != nil {
				return err
			}
			if err := p.DeleteSnapshot(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", p.Path())
			return nil
		},
	}

	snapshotCmd.AddCommand(showCmd, deleteCmd)
	return snapshotCmd
}
