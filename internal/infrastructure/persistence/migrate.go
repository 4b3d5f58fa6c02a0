package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrator applies the embedded schema migrations with goose.
type Migrator struct {
	dsn string
	log *slog.Logger
}

// NewMigrator creates a Migrator for dsn.
func NewMigrator(dsn string) *Migrator {
	return &Migrator{dsn: dsn, log: slog.Default().With("component", "migrations")}
}

// Up applies pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		m.log.Info("applying migrations")
		if err := goose.UpContext(runCtx, db, "migrations"); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		m.log.Info("migrations applied")
		return nil
	})
}

// Down rolls back the latest migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		m.log.Info("rolling back latest migration")
		if err := goose.DownContext(runCtx, db, "migrations"); err != nil {
			return fmt.Errorf("rollback migration: %w", err)
		}
		return nil
	})
}

// Status logs applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, "migrations")
	})
}

func (m *Migrator) withDB(fn func(*sql.DB) error) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
