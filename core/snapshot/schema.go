package snapshot

import (
	"database/sql"

	"github.com/klikkflow/flowsync/core/database"
)

// NewMigrator returns the migrator for the snapshot schema on pool.
func NewMigrator(pool *database.Pool) *database.Migrator {
	return database.NewMigrator(pool, migrations)
}

var migrations = []database.Migration{
	{
		Version:     1,
		Description: "create snapshots table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE snapshots (
					session_id TEXT PRIMARY KEY,
					version    INTEGER NOT NULL,
					saved_at   INTEGER NOT NULL,
					checksum   INTEGER NOT NULL,
					data       BLOB NOT NULL
				)`)
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`DROP TABLE snapshots`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index snapshots by save time",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX idx_snapshots_saved_at ON snapshots(saved_at)`)
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`DROP INDEX idx_snapshots_saved_at`)
			return err
		},
	},
}
