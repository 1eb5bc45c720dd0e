package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// Migration is one schema step. Version is recorded in PRAGMA user_version
// inside the same transaction as Up.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
	Down        func(tx *sql.Tx) error
}

type Migrator struct {
	pool       *Pool
	migrations []Migration
}

func NewMigrator(pool *Pool, migrations []Migration) *Migrator {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int {
		return a.Version - b.Version
	})

	return &Migrator{
		pool:       pool,
		migrations: sorted,
	}
}

// Migrate applies every migration newer than the current schema version.
func (m *Migrator) Migrate(ctx context.Context) error {
	current, err := m.pool.Version(ctx)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.apply(ctx, migration.Up, migration.Version); err != nil {
			return fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Description, err)
		}
	}
	return nil
}

// Rollback runs Down for every applied migration above target, newest first.
func (m *Migrator) Rollback(ctx context.Context, target int) error {
	current, err := m.pool.Version(ctx)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= target || migration.Version > current {
			continue
		}
		if migration.Down == nil {
			return fmt.Errorf("migration %d has no down function", migration.Version)
		}

		prev := 0
		if i > 0 {
			prev = m.migrations[i-1].Version
		}
		if err := m.apply(ctx, migration.Down, prev); err != nil {
			return fmt.Errorf("rollback %d: %w", migration.Version, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, step func(tx *sql.Tx) error, version int) error {
	return m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if err := step(tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
		return err
	})
}

func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	current, err := m.pool.Version(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, migration := range m.migrations {
		if migration.Version > current {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}
