package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"LoanLedger/internal/config"
	"LoanLedger/internal/loan"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/persistence"
	"LoanLedger/internal/stake"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// stores bundles the backing stores for the selected driver. db is only set
// for the postgres driver, which is also the only one with an event log.
type stores struct {
	loans  loan.Store
	stakes stake.Store
	db     *sql.DB
	close  func()
}

func openStores(ctx context.Context, cfg config.Config, health *observability.HealthChecker, logger zerolog.Logger) (*stores, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		health.AddCheck("postgres", db.PingContext)
		return &stores{
			loans:  persistence.NewPostgresLoanStore(db),
			stakes: persistence.NewPostgresStakeStore(db),
			db:     db,
			close:  func() { db.Close() },
		}, nil

	case config.DriverLevelDB:
		ldb, err := persistence.OpenLevelDB(cfg.Store.LevelDBPath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.Store.LevelDBPath).Msg("LevelDB opened")
		return &stores{
			loans:  persistence.NewLevelLoanStore(ldb),
			stakes: persistence.NewLevelStakeStore(ldb),
			close:  func() { ldb.Close() },
		}, nil

	case config.DriverMemory:
		logger.Warn().Msg("memory store: state is lost on exit")
		return &stores{
			loans:  loan.NewMemStore(),
			stakes: stake.NewMemStore(),
			close:  func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, migrations(cfg), logger).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Msg("migrations applied")
	return db, nil
}

func migrations(cfg config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return persistence.MigrationsFS(cfg.MigrationsDir)
	}
	return persistence.EmbeddedMigrations()
}
