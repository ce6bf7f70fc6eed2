package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop superseded revision bodies and unreferenced blobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			if err := db.Compact(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "compacted")
			return nil
		})
	},
}

var (
	newPassword      string
	removeEncryption bool
)

var rekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Change or remove the encryption key",
	Long: `Re-encrypt every document and blob with --new-password, or decrypt the
database with --remove. The current key comes from --password.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (newPassword == "") == !removeEncryption {
			return errors.New("exactly one of --new-password or --remove is required")
		}
		var key *humus.EncryptionKey
		if !removeEncryption {
			key = humus.PasswordKey(newPassword)
		}
		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			if err := db.ChangeEncryptionKey(ctx, key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "encryption key changed")
			return nil
		})
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the database and all its files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, db *humus.Database) error {
			if err := db.Destroy(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", db.Name())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(rekeyCmd)
	rekeyCmd.Flags().StringVar(&newPassword, "new-password", "", "New encryption password")
	rekeyCmd.Flags().BoolVar(&removeEncryption, "remove", false, "Remove encryption")
}
