package repository

import (
	"context"
	"embed"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies embedded SQL migrations in lexical order, skipping the ones
// already recorded in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context, logger *zap.SugaredLogger) (int, error) {
	names, err := migrationNames()
	if err != nil {
		return 0, err
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, errors.Wrap(err, "create schema_migrations")
	}

	applied := 0
	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return applied, errors.Wrapf(err, "read migration %s", name)
		}

		done := false
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			command, err := tx.Exec(ctx, `
				INSERT INTO schema_migrations (name) VALUES ($1)
				ON CONFLICT (name) DO NOTHING
			`, name)
			if err != nil {
				return err
			}
			if command.RowsAffected() == 0 {
				done = true
				return nil
			}
			_, err = tx.Exec(ctx, string(raw))
			return err
		})
		if err != nil {
			return applied, errors.Wrapf(err, "apply migration %s", name)
		}
		if done {
			continue
		}
		applied++
		logger.Infow("migration applied", "migration", name)
	}
	return applied, nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations dir")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
