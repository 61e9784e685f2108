package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/api"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/logging"
	"github.com/zulandar/parley/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and operator API with the stale-conversation sweeper",
		Long: `Starts the HTTP API (inbound, delivery, and downstream webhooks plus the
operator endpoints) and runs the stale-conversation sweep on the configured
cron schedule. Campaigns from config are upserted on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to Parley config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedCampaigns(gormDB, cfg.Campaigns); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	orch, cleanup, err := buildOrchestrator(ctx, cfg, gormDB, log)
	if err != nil {
		return err
	}
	defer cleanup()

	sched, err := scheduler.New(scheduler.Opts{
		Schedule: cfg.Sweep.Schedule,
		Sweeper:  orch,
		Logger:   logging.Component(log, "scheduler"),
	})
	if err != nil {
		return err
	}
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	if port == 0 {
		port = cfg.Server.Port
	}
	if cfg.Server.WebhookSecret == "" {
		log.Warn().Msg("server.webhook_secret is empty; webhook signatures are not verified")
	}
	log.Info().Str("brand", cfg.Brand).Int("port", port).Str("sweep", cfg.Sweep.Schedule).Msg("parley starting")

	apiErr := api.Start(ctx, api.StartOpts{
		Service:       orch,
		Port:          port,
		WebhookSecret: cfg.Server.WebhookSecret,
		Logger:        logging.Component(log, "api"),
		Out:           cmd.OutOrStdout(),
	})
	cancel()
	if err := <-schedDone; err != nil {
		log.Error().Err(err).Msg("scheduler stopped")
	}
	return apiErr
}
