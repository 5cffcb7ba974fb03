package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/obd2ingest/internal/queue"
	"github.com/JonMunkholm/obd2ingest/internal/web"
	"github.com/JonMunkholm/obd2ingest/internal/worker"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noServer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue worker and the ops server",
		Long: "serve processes queued jobs until interrupted. Unless SERVER_ENABLED is\n" +
			"false it also serves health, status and upload endpoints.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.cfg()
			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				p, err := ctx.buildPipeline(cmd.Context(), pool)
				if err != nil {
					return err
				}
				return ctx.withQueue(func(qs *queue.Store) error {
					w := worker.New(qs, p.service, worker.Config{
						Workers:             cfg.Queue.Workers,
						PollInterval:        cfg.Queue.PollInterval,
						Retention:           cfg.Queue.Retention,
						MaintenanceInterval: cfg.Queue.MaintenanceInterval,
						LockPath:            cfg.Queue.LockFile,
					})

					slog.Info("configuration loaded", "config", cfg.String())

					g, gctx := errgroup.WithContext(cmd.Context())
					g.Go(func() error { return w.Run(gctx) })

					if cfg.Server.Enabled && !noServer {
						srv := web.NewServer(web.Deps{
							DB:       pool,
							Queue:    qs,
							Ingest:   p.service,
							Catalog:  p.catalog,
							Worker:   w.Stats,
							SpoolDir: cfg.Queue.SpoolDir,
						}, web.Options{
							TrustedProxies: cfg.Server.TrustedProxies,
							MaxUploadSize:  cfg.Server.MaxUploadSize,
							ReadTimeout:    cfg.Server.ReadTimeout,
							WriteTimeout:   cfg.Server.WriteTimeout,
							IdleTimeout:    cfg.Server.IdleTimeout,
							RateLimit:      cfg.Server.RateLimit,
						})
						g.Go(func() error {
							return srv.Serve(gctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeout)
						})
					}

					err := g.Wait()

					// Direct ingests started over HTTP run outside the worker.
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cfg.Server.ShutdownTimeout)
					defer cancel()
					if status := p.service.LimiterStatus(); status.Active > 0 {
						slog.Info("waiting for ingests to complete", "active", status.Active)
						if werr := p.service.WaitForIngests(shutdownCtx); werr != nil {
							slog.Warn("ingests did not complete in time", "error", werr)
						}
					}
					slog.Info("shutdown complete")
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Run only the worker")
	return cmd
}
