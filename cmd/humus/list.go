package main

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List document ids",
	Long:  `List the ids of live documents, optionally filtered by a glob pattern (e.g. "notes/**").`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := "**"
		if len(args) == 1 {
			pattern = args[0]
		}
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid pattern %q", pattern)
		}
		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			ids, err := db.AllDocumentIDs(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if ok, _ := doublestar.Match(pattern, id); ok {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
