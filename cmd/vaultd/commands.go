package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexjoedt/filevault"
	"github.com/alexjoedt/filevault/internal/httpapi"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Log.Production {
				gin.SetMode(gin.ReleaseMode)
			}

			if a.cfg.Sweep.Schedule != "" {
				c, err := a.scheduleSweep(ctx)
				if err != nil {
					return err
				}
				c.Start()
				defer func() { <-c.Stop().Done() }()
			}

			router := httpapi.NewRouter(a.vault, httpapi.Options{
				Logger:         a.logger.Named("http"),
				Gatherer:       a.registry,
				MaxUploadBytes: a.cfg.HTTP.MaxUploadBytes,
			})

			srv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		},
	}
}

// scheduleSweep registers the periodic sweep on a new cron scheduler.
// Overlapping runs are skipped.
func (a *app) scheduleSweep(ctx context.Context) (*cron.Cron, error) {
	cronLog := cron.PrintfLogger(zap.NewStdLog(a.logger.Named("cron")))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog)))

	opts := filevault.SweepOptions{Grace: a.cfg.Sweep.Grace, Remove: a.cfg.Sweep.Remove}
	_, err := c.AddFunc(a.cfg.Sweep.Schedule, func() {
		_, _ = a.sweep(ctx, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", a.cfg.Sweep.Schedule, err)
	}

	a.logger.Info("sweep scheduled",
		zap.String("schedule", a.cfg.Sweep.Schedule),
		zap.Bool("remove", opts.Remove),
	)
	return c, nil
}

func newSweepCmd(configPath *string) *cobra.Command {
	var (
		grace  time.Duration
		remove bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Report (and optionally remove) orphan blobs, dangling records and stale temp files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("grace") {
				grace = a.cfg.Sweep.Grace
			}
			if !cmd.Flags().Changed("remove") {
				remove = a.cfg.Sweep.Remove
			}

			report, err := a.sweep(ctx, filevault.SweepOptions{Grace: grace, Remove: remove})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", filevault.DefaultSweepGrace, "minimum age of an unreferenced blob or temp file")
	cmd.Flags().BoolVar(&remove, "remove", false, "delete orphan blobs and stale temp files")
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the metadata schema and storage directories, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the stores creates the schema and directories.
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			a.logger.Info("migration complete")
			return a.Close()
		},
	}
}
