package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/churnshield/internal/auth"
	"github.com/mbd888/churnshield/internal/config"
	"github.com/mbd888/churnshield/internal/validation"
	"github.com/mbd888/churnshield/migrations"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage operator API keys in DATABASE_URL",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key",
		Long: `Issue an API key and print it once. Without --org the key is a
platform key that can read every organization and trigger risk runs.`,
		Args: cobra.NoArgs,
		RunE: createKey,
	}
	create.Flags().String("org", "", "Organization the key is limited to")
	create.Flags().String("name", "churnctl", "Label shown when listing keys")
	create.Flags().Duration("ttl", 0, "Expiry such as 720h (default none)")

	cmd.AddCommand(create)
	return cmd
}

func createKey(cmd *cobra.Command, args []string) error {
	org, _ := cmd.Flags().GetString("org")
	name, _ := cmd.Flags().GetString("name")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if org != "" && !validation.IsValidIdentifier(org) {
		return fmt.Errorf("invalid --org %q", org)
	}
	if ttl < 0 {
		return errors.New("--ttl must not be negative")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx := cmd.Context()
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := migrations.Up(ctx, db); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	raw, key, err := auth.NewManager(auth.NewPostgresStore(db)).GenerateKey(ctx, org, name, ttl)
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		APIKey string       `json:"apiKey"`
		Key    *auth.APIKey `json:"key"`
	}{APIKey: raw, Key: key})
}
