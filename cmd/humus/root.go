package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

var (
	verbose    bool
	configPath string
	directory  string
	dbName     string
	password   string
	readOnly   bool

	settings *fileConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "humus",
	Short: "An embedded document database with revision history and replication",
	Long: `Humus stores JSON documents with a full revision history, resolves
concurrent edits through conflict resolvers and replicates databases with
each other, locally or over websocket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)

		path := configPath
		if path == "" {
			path = DefaultConfigFile
		}
		cfg, err := loadConfig(path, configPath != "")
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("dir") || cfg.Directory == "" {
			cfg.Directory = directory
		}
		if flags.Changed("db") || cfg.Database == "" {
			cfg.Database = dbName
		}
		if flags.Changed("password") || cfg.Password == "" {
			cfg.Password = password
		}
		if cfg.Password == "" {
			cfg.Password = os.Getenv("HUMUS_PASSWORD")
		}
		settings = cfg
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./humus.yaml when present)")
	rootCmd.PersistentFlags().StringVarP(&directory, "dir", "d", "", "Directory holding databases (default $HUMUS_DIR or the working directory)")
	rootCmd.PersistentFlags().StringVar(&dbName, "db", "default", "Database name")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "Encryption password (default $HUMUS_PASSWORD)")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "Open the database read-only")
}

func databaseOptions() []humus.Option {
	opts := []humus.Option{
		humus.WithDirectory(settings.Directory),
		humus.WithLogger(slog.Default()),
		humus.WithReadOnly(readOnly),
	}
	if settings.Password != "" {
		opts = append(opts, humus.WithEncryptionKey(humus.PasswordKey(settings.Password)))
	}
	return opts
}

// openDatabase opens the configured database.
func openDatabase(ctx context.Context) (*humus.Database, error) {
	return humus.Open(ctx, settings.Database, databaseOptions()...)
}

// withDatabase opens the configured database around fn.
func withDatabase(cmd *cobra.Command, fn func(ctx context.Context, db *humus.Database) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDatabase(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database %q: %w", settings.Database, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()
	return fn(ctx, db)
}
