package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
	"github.com/aretw0/humus/pkg/replicator"
)

var (
	replType       string
	replContinuous bool
	replUser       string
	replPass       string
	replDocIDs     []string
)

var replicateCmd = &cobra.Command{
	Use:   "replicate [target]",
	Short: "Replicate the database with a remote endpoint or another local database",
	Long: `Replicate with target, either a ws:// or wss:// URL or the name of another
database in the same directory. Without a target every replication listed in
the config file runs. Continuous replications run until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []replicationConfig
		if len(args) == 1 {
			jobs = append(jobs, replicationConfig{
				Target:     args[0],
				Type:       replType,
				Continuous: replContinuous,
				DocIDs:     replDocIDs,
				Username:   replUser,
				Password:   replPass,
			})
		} else {
			jobs = settings.Replications
		}
		if len(jobs) == 0 {
			return errors.New("no replication target given and none configured")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withDatabase(cmd, func(_ context.Context, db *humus.Database) error {
			var reps []*humus.Replicator
			for _, job := range jobs {
				r, closeTarget, err := newReplication(ctx, db, job)
				if err != nil {
					return err
				}
				defer closeTarget()
				r.AddChangeListener(func(c humus.ReplicatorChange) {
					slog.Info("replication", "target", job.Target, "status", c.Status.String())
				})
				reps = append(reps, r)
			}
			for _, r := range reps {
				r.Start()
			}

			var failed error
			for _, r := range reps {
				select {
				case <-r.Done():
				case <-ctx.Done():
					for _, r := range reps {
						r.Stop()
					}
					<-r.Done()
				}
				st := r.Status()
				if st.Error != nil && failed == nil {
					failed = st.Error
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d revisions\n",
					r.Config().Target, st.Progress.Completed, st.Progress.Total)
			}
			return failed
		})
	},
}

// newReplication builds a replicator for job. Local targets are opened and
// must be closed by the caller.
func newReplication(ctx context.Context, db *humus.Database, job replicationConfig) (*humus.Replicator, func(), error) {
	typ, err := replicator.ParseType(job.Type)
	if err != nil {
		return nil, nil, err
	}
	cfg := humus.ReplicatorConfig{
		Database:   db,
		Type:       typ,
		Continuous: job.Continuous,
		Logger:     slog.Default(),
		Options:    map[string]any{},
	}
	if len(job.DocIDs) > 0 {
		cfg.Options[replicator.OptionDocIDs] = job.DocIDs
	}
	if job.Username != "" {
		cfg.Options[replicator.OptionAuth] = map[string]any{"username": job.Username, "password": job.Password}
	}

	closeTarget := func() {}
	target, err := humus.URLTarget(job.Target)
	if err != nil {
		local, openErr := humus.Open(ctx, job.Target, databaseOptions()...)
		if openErr != nil {
			return nil, nil, fmt.Errorf("target %q is neither a url nor a database: %w", job.Target, openErr)
		}
		target = humus.DatabaseTarget(local)
		closeTarget = func() { _ = local.Close() }
	}
	cfg.Target = target

	r, err := humus.NewReplicator(cfg)
	if err != nil {
		closeTarget()
		return nil, nil, err
	}
	return r, closeTarget, nil
}

func init() {
	rootCmd.AddCommand(replicateCmd)
	replicateCmd.Flags().StringVarP(&replType, "type", "t", "push-and-pull", "Direction: push, pull or push-and-pull")
	replicateCmd.Flags().BoolVar(&replContinuous, "continuous", false, "Keep replicating until interrupted")
	replicateCmd.Flags().StringVar(&replUser, "user", "", "Basic auth user for remote targets")
	replicateCmd.Flags().StringVar(&replPass, "pass", "", "Basic auth password for remote targets")
	replicateCmd.Flags().StringSliceVar(&replDocIDs, "doc-ids", nil, "Only replicate documents matching these patterns")
}
