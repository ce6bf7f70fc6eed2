package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/replicator"
)

var (
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the databases of the directory to remote replicators",
	Long: `Expose every existing database in the directory at ws://<addr>/<name>.
Users configured under server.users in the config file must authenticate
with HTTP basic auth.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := settings.Server.Addr
		if cmd.Flags().Changed("addr") || addr == "" {
			addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool := newDatabasePool(ctx)
		defer pool.Close()

		var opts []replicator.HandlerOption
		opts = append(opts, replicator.WithHandlerLogger(slog.Default()))
		if len(settings.Server.Users) > 0 {
			opts = append(opts, replicator.WithBasicAuth(settings.Server.Users))
		}

		srv := &http.Server{
			Addr:              addr,
			Handler:           replicator.NewHandler(pool.Get, opts...),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			slog.Info("serving databases", "addr", addr, "dir", settings.Directory)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("shutdown incomplete", "error", err)
			}
		}
		return nil
	},
}

// databasePool opens served databases on first use and keeps them open.
type databasePool struct {
	ctx context.Context
	mu  sync.Mutex
	dbs map[string]*humus.Database
}

func newDatabasePool(ctx context.Context) *databasePool {
	return &databasePool{ctx: ctx, dbs: make(map[string]*humus.Database)}
}

// Get implements replicator.Lookup. Only existing databases are served.
func (p *databasePool) Get(name string) (*core.Database, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[name]; ok {
		return db, nil
	}
	exists, err := humus.Exists(name, humus.WithDirectory(settings.Directory))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.NewError(core.KindNotFound, "serve", name, nil)
	}
	db, err := humus.Open(p.ctx, name, databaseOptions()...)
	if err != nil {
		return nil, err
	}
	p.dbs[name] = db
	return db, nil
}

func (p *databasePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, db := range p.dbs {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", "database", name, "error", err)
		}
	}
	p.dbs = map[string]*humus.Database{}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":4984", "Listen address")
}
