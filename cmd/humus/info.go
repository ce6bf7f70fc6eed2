package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

type infoOutput struct {
	State        any    `json:"state"`
	Documents    int    `json:"documents"`
	LastSequence uint64 `json:"last_sequence"`
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print database state as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			n, err := db.Count(ctx)
			if err != nil {
				return err
			}
			seq, err := db.LastSequence(ctx)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(infoOutput{State: db.State(), Documents: n, LastSequence: seq})
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
