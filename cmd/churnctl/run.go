package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/churnshield/internal/config"
	"github.com/mbd888/churnshield/internal/events"
	"github.com/mbd888/churnshield/internal/logging"
	"github.com/mbd888/churnshield/internal/notify"
	"github.com/mbd888/churnshield/internal/risk"
	"github.com/mbd888/churnshield/internal/security"
	"github.com/mbd888/churnshield/migrations"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the risk batch once against DATABASE_URL",
		Long: `Score every customer in the directory for one day and print the run
summary. Bucket transitions are notified through NOTIFY_WEBHOOK_URL when
set, otherwise logged. A day that was already scored is skipped per
customer.`,
		Args: cobra.NoArgs,
		RunE: runBatch,
	}
	cmd.Flags().String("date", "", "Day to score (YYYY-MM-DD, default today UTC)")
	cmd.Flags().Bool("quiet", false, "Only print the summary")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	logger := logging.New(cfg.LogLevel, "text")
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		logger = logging.Discard()
	}

	day := time.Now().UTC()
	if d, _ := cmd.Flags().GetString("date"); d != "" {
		parsed, err := time.Parse(risk.DateLayout, d)
		if err != nil {
			return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
		}
		day = parsed.Add(24*time.Hour - time.Second)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyWebhookURL, !cfg.IsProduction()); err != nil {
			return fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
		sender = notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret)
	}

	directory := risk.NewPostgresDirectory(db)
	runner := risk.NewRunner(directory, risk.NewEventMetrics(events.NewPostgresStore(db)), risk.NewPostgresSnapshotStore(db), logger).
		WithNotifier(notify.New(sender, logger)).
		WithUsage(directory).
		WithWorkers(cfg.RiskWorkers).
		WithUnitTimeout(cfg.RiskUnitTimeout)

	summary, runErr := runner.Run(ctx, day)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("risk run failed: %w", runErr)
	}
	return nil
}
