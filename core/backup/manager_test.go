package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klikkflow/flowsync/core/database"
	"github.com/klikkflow/flowsync/core/storage"
)

func openTestPool(t *testing.T, driver string) (*database.Manager, *database.Pool) {
	t.Helper()
	dirs := &storage.Dirs{Data: t.TempDir()}
	dbMgr := database.NewManager(dirs)
	t.Cleanup(func() { dbMgr.CloseAll() })

	config := database.DefaultPoolConfig()
	config.Driver = driver
	pool, err := dbMgr.Open("snapshots", config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx := context.Background()
	if _, err := pool.Exec(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := pool.Exec(ctx, "INSERT INTO test (value) VALUES (?)", "before"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return dbMgr, pool
}

func countRows(t *testing.T, pool *database.Pool) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM test").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestBackupAndRestore(t *testing.T) {
	for _, driver := range []string{database.DriverModernc, database.DriverCgo} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			_, pool := openTestPool(t, driver)
			mgr := NewManager(t.TempDir(), DefaultConfig())

			backupPath, err := mgr.Backup(ctx, pool)
			if err != nil {
				t.Fatalf("Backup failed: %v", err)
			}
			if _, err := os.Stat(backupPath); err != nil {
				t.Fatalf("Backup file not created: %v", err)
			}

			if _, err := pool.Exec(ctx, "INSERT INTO test (value) VALUES (?)", "after"); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if got := countRows(t, pool); got != 2 {
				t.Fatalf("rows before restore: got %d, want 2", got)
			}

			dbPath := pool.Path()
			config := database.DefaultPoolConfig()
			config.Driver = driver
			if err := pool.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if err := mgr.Restore(ctx, backupPath, dbPath, config); err != nil {
				t.Fatalf("Restore failed: %v", err)
			}

			restored, err := database.OpenPool(dbPath, config)
			if err != nil {
				t.Fatalf("OpenPool failed: %v", err)
			}
			defer restored.Close()
			if got := countRows(t, restored); got != 1 {
				t.Errorf("rows after restore: got %d, want 1", got)
			}
		})
	}
}

func TestRestoreMissingBackup(t *testing.T) {
	mgr := NewManager(t.TempDir(), DefaultConfig())
	dest := filepath.Join(t.TempDir(), "snapshots.db")
	if err := mgr.Restore(context.Background(), filepath.Join(mgr.Dir(), "nope.db"), dest, database.DefaultPoolConfig()); err == nil {
		t.Error("Restore should fail for a missing backup")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Restore should not create the destination")
	}
}

func TestBackupRetention(t *testing.T) {
	ctx := context.Background()
	_, pool := openTestPool(t, database.DriverModernc)
	mgr := NewManager(t.TempDir(), Config{RetentionCount: 3})

	var last string
	for i := 0; i < 5; i++ {
		path, err := mgr.Backup(ctx, pool)
		if err != nil {
			t.Fatalf("Backup %d failed: %v", i, err)
		}
		last = path
	}

	backups, err := mgr.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("Retention: got %d backups, want 3", len(backups))
	}

	latest, err := mgr.Latest()
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	wantLast, _ := filepath.Abs(last)
	if latest.Path != wantLast {
		t.Errorf("Latest: got %s, want %s", latest.Path, wantLast)
	}
	if latest.Size == 0 || latest.CreatedAt.IsZero() {
		t.Errorf("Latest info incomplete: %+v", latest)
	}
}

func TestLatestWithoutBackups(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "missing"), DefaultConfig())
	backups, err := mgr.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("List: got %d, want 0", len(backups))
	}
	if _, err := mgr.Latest(); !errors.Is(err, ErrNoBackups) {
		t.Errorf("Latest: got %v, want ErrNoBackups", err)
	}
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	_, pool := openTestPool(t, database.DriverModernc)
	mgr := NewManager(t.TempDir(), DefaultConfig())

	path, err := mgr.Backup(ctx, pool)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if err := mgr.Delete(path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Backup should be deleted")
	}
}

func TestDeleteOutsideBackupDir(t *testing.T) {
	mgr := NewManager(t.TempDir(), DefaultConfig())

	for _, path := range []string{"/etc/passwd", filepath.Join(mgr.Dir(), "..", "x.db"), mgr.Dir()} {
		if err := mgr.Delete(path); !errors.Is(err, ErrOutsideBackup) {
			t.Errorf("Delete(%s): got %v, want ErrOutsideBackup", path, err)
		}
	}
}
