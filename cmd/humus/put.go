package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

var putCmd = &cobra.Command{
	Use:   "put [id] [json]",
	Short: "Create or update a document",
	Long: `Save the JSON object as the new content of a document. The JSON is read
from stdin when omitted. An empty id ("") generates one. The existing
revision is used as parent, so concurrent edits go through conflict
resolution.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		if len(args) == 2 {
			raw = []byte(args[1])
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			raw = data
		}
		var props humus.Properties
		if err := json.Unmarshal(raw, &props); err != nil {
			return fmt.Errorf("document must be a JSON object: %w", err)
		}

		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			doc, err := db.Get(ctx, args[0])
			if err != nil {
				if !errorsIsNotFound(err) {
					return err
				}
				doc = humus.NewDocument(args[0])
			}
			doc.Properties = props
			rev, err := db.Save(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", doc.ID, rev)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
}
