package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/churnshield/migrations"
)

var migrateCommands = map[string]bool{
	"up": true, "down": true, "status": true, "version": true,
	"redo": true, "up-to": true, "down-to": true,
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down|status|version|redo|up-to N|down-to N>",
		Short: "Run schema migrations against DATABASE_URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !migrateCommands[args[0]] {
				return fmt.Errorf("unknown migrate command %q", args[0])
			}
			if (args[0] == "up-to" || args[0] == "down-to") && len(args) != 2 {
				return fmt.Errorf("%s needs a version", args[0])
			}

			_ = godotenv.Load()
			dbURL := os.Getenv("DATABASE_URL")
			if dbURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			db, err := sql.Open("postgres", dbURL)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = db.Close() }()
			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			return migrations.Run(cmd.Context(), args[0], db, args[1:]...)
		},
	}
}
