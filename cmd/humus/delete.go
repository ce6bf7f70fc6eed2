package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

var (
	purge bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a document",
	Long: `Write a tombstone for the document. The deletion replicates.
With --purge every revision is removed instead; purges never replicate.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			if purge {
				if err := db.Purge(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
				return nil
			}
			doc, err := db.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if err := db.Delete(ctx, doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVar(&purge, "purge", false, "Remove all revisions instead of writing a tombstone")
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, humus.ErrNotFound)
}
