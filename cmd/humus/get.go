package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

var (
	getDeleted bool
)

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Print a document as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			var opts []humus.GetOption
			if getDeleted {
				opts = append(opts, humus.IncludeDeleted())
			}
			doc, err := db.Get(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(doc)
		})
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVar(&getDeleted, "deleted", false, "Also print tombstones")
}
