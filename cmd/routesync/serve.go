package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/routesync/internal/auth"
	"github.com/kimhsiao/routesync/internal/config"
	"github.com/kimhsiao/routesync/internal/db"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/metrics"
	"github.com/kimhsiao/routesync/internal/server"
	"github.com/kimhsiao/routesync/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server",
	Long: `Run the routesync server: batch ingestion on POST /api/sync, pull
endpoints for reconciliation, Prometheus metrics on /metrics and realtime
events on /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runServer(ctx, cfg)
	},
}

// openServerStore opens the configured authoritative store with its schema applied.
func openServerStore(ctx context.Context, c *config.Config) (db.Store, func(), error) {
	if c.Database.Driver == config.DriverPostgres {
		pg, err := db.OpenPostgres(ctx, c.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	}

	database, err := db.Open(c.Database.DataDir, "routesync.db")
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, database.DB, db.SchemaServer); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	repo := db.NewRepository(database.DB)
	return repo, func() {
		_ = repo.Close()
		_ = database.Close()
	}, nil
}

func runServer(ctx context.Context, c *config.Config) error {
	store, closeStore, err := openServerStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()

	tp, err := tracing.Init(ctx, c.Tracing.ServiceName, c.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	principals := c.Principals()
	if len(principals) == 0 {
		logging.Warn("No server tokens configured; every authenticated request will be rejected", nil)
	}

	srv := server.New(c.HTTPConfig(), store, auth.NewStaticValidator(principals), metrics.New(),
		server.WithTracing(tp))
	defer srv.Close()

	logging.Info("routesync server starting", map[string]interface{}{
		"addr":    c.Server.Addr,
		"driver":  c.Database.Driver,
		"version": Version,
	})
	return srv.ListenAndServe(ctx)
}
