package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"LoanLedger/internal/config"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  LOAN_POSTGRES_DSN   - Postgres connection string")
		fmt.Println("  LOAN_MIGRATIONS_DIR - migrations directory (default: embedded set)")
		fmt.Println("  LOAN_CONFIG_FILE    - optional YAML config file")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	files := persistence.EmbeddedMigrations()
	if cfg.MigrationsDir != "" {
		files = persistence.MigrationsFS(cfg.MigrationsDir)
	}

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %s\n", state, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
