package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/klikkflow/flowsync/core/backup"
	"github.com/klikkflow/flowsync/core/database"
	"github.com/klikkflow/flowsync/core/snapshot"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Persisted session snapshot commands",
	Long:  `List, inspect, delete and prune the session snapshots saved by replay --persist.`,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show one stored snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotShow,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <session>",
	Short: "Delete one stored snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots older than a duration",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotPrune,
}

var snapshotBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the snapshot database",
	Long: `Write a compacted copy of the snapshot database to the backup directory,
keeping the number of backups set by storage.backup_retention.`,
	Args: cobra.NoArgs,
	RunE: runSnapshotBackup,
}

var snapshotBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List snapshot database backups",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotBackups,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [backup]",
	Short: "Replace the snapshot database with a backup",
	Long:  `Restore the given backup file, or the most recent backup when none is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshotRestore,
}

var snapshotMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the snapshot database schema",
	Long: `Apply pending schema migrations to the snapshot database.

With --status nothing is changed; the schema version, pending migrations and
integrity check result are reported. With --rollback the schema is taken back
down to the given version.`,
	Args: cobra.NoArgs,
	RunE: runSnapshotMigrate,
}

var (
	snapshotOlderThan time.Duration
	migrateStatus     bool
	migrateRollback   int
)

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	snapshotCmd.AddCommand(snapshotBackupCmd)
	snapshotCmd.AddCommand(snapshotBackupsCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotMigrateCmd)

	snapshotMigrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Report the schema state without migrating")
	snapshotMigrateCmd.Flags().IntVar(&migrateRollback, "rollback", -1, "Roll the schema back to this version")
	snapshotPruneCmd.Flags().DurationVar(&snapshotOlderThan, "older-than", 30*24*time.Hour, "Prune snapshots saved before now minus this duration")
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	store, err := openSnapshots(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		return writeJSON(out, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No snapshots.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tVERSION\tSAVED\tBYTES")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", info.SessionID, info.Version, info.SavedAt.Format(time.RFC3339), info.Size)
	}
	return tw.Flush()
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	store, err := openSnapshots(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	snap, ok, err := store.LoadSnapshot(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no snapshot for session %s", args[0])
	}

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		return writeJSON(out, snap)
	}
	fmt.Fprintf(out, "Session %s at version %d, saved %s\n", snap.SessionID, snap.Version, snap.SavedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "\nHistory (%d entries):\n", len(snap.Entries))
	for _, e := range snap.Entries {
		fmt.Fprintf(out, "  %s\n", describeOperation(e.Operation))
	}
	if snap.Document != nil {
		fmt.Fprintf(out, "\nDocument: %d nodes, %d edges\n", len(snap.Document.Nodes), len(snap.Document.Edges))
		return writeJSON(out, snap.Document)
	}
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	store, err := openSnapshots(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := store.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("no snapshot for session %s", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s.\n", args[0])
	return nil
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	store, err := openSnapshots(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(cmd.Context(), time.Now().Add(-snapshotOlderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d snapshots.\n", n)
	return nil
}

func runSnapshotBackup(cmd *cobra.Command, args []string) error {
	store, err := openSnapshots(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	path, err := newBackupManager().Backup(cmd.Context(), store.Pool())
	if err != nil {
		return err
	}
	appLogger.Info("snapshot database backed up", "path", path)
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runSnapshotBackups(cmd *cobra.Command, args []string) error {
	backups, err := newBackupManager().List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		return writeJSON(out, backups)
	}
	if len(backups) == 0 {
		fmt.Fprintln(out, "No backups.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCREATED\tBYTES")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.CreatedAt.Format(time.RFC3339), b.Size)
	}
	return tw.Flush()
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	mgr := newBackupManager()

	var source string
	if len(args) == 1 {
		source = args[0]
	} else {
		latest, err := mgr.Latest()
		if err != nil {
			return err
		}
		source = latest.Path
	}

	if err := mgr.Restore(cmd.Context(), source, snapshotPath(), snapshotPoolConfig()); err != nil {
		return err
	}
	appLogger.Info("snapshot database restored", "from", source)
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s.\n", source)
	return nil
}

type schemaStatus struct {
	Path      string          `json:"path"`
	Version   int             `json:"version"`
	Pending   []schemaPending `json:"pending"`
	Integrity string          `json:"integrity"`
}

type schemaPending struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
}

func runSnapshotMigrate(cmd *cobra.Command, args []string) error {
	if migrateStatus && migrateRollback >= 0 {
		return errors.New("--status cannot be combined with --rollback")
	}
	ctx := cmd.Context()

	dbs := database.NewManager(appDirs)
	defer dbs.CloseAll()
	pool, err := dbs.Open(snapshotPath(), snapshotPoolConfig())
	if err != nil {
		return fmt.Errorf("open snapshot database: %w", err)
	}

	migrator := snapshot.NewMigrator(pool)
	switch {
	case migrateRollback >= 0:
		if err := migrator.Rollback(ctx, migrateRollback); err != nil {
			return err
		}
		appLogger.Info("snapshot schema rolled back", "target", migrateRollback)
	case !migrateStatus:
		if err := migrator.Migrate(ctx); err != nil {
			return err
		}
	}

	status := schemaStatus{Path: pool.Path(), Integrity: "ok"}
	if status.Version, err = pool.Version(ctx); err != nil {
		return err
	}
	pending, err := migrator.Pending(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		status.Pending = append(status.Pending, schemaPending{Version: m.Version, Description: m.Description})
	}
	if err := pool.IntegrityCheck(ctx); err != nil {
		status.Integrity = err.Error()
	}

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		return writeJSON(out, status)
	}
	fmt.Fprintf(out, "Schema version %d (%s)\n", status.Version, status.Path)
	if len(status.Pending) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
	}
	for _, m := range status.Pending {
		fmt.Fprintf(out, "  pending %d  %s\n", m.Version, m.Description)
	}
	fmt.Fprintf(out, "Integrity: %s\n", status.Integrity)
	return nil
}

func newBackupManager() *backup.Manager {
	return backup.NewManager(appDirs.BackupDir(), backup.Config{RetentionCount: appConfig.Storage.BackupRetention})
}

// snapshotPath is absolute so the database manager never resolves it
// against the data directory.
func snapshotPath() string {
	path := appConfig.Storage.Path
	if path == "" {
		return appDirs.SnapshotDB()
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func snapshotPoolConfig() database.PoolConfig {
	cfg := database.DefaultPoolConfig()
	if appConfig.Storage.Driver != "" {
		cfg.Driver = appConfig.Storage.Driver
	}
	if appConfig.Storage.MaxOpenConns > 0 {
		cfg.MaxOpen = appConfig.Storage.MaxOpenConns
	}
	return cfg
}

func openSnapshots(ctx context.Context) (*snapshot.Store, error) {
	cfg := snapshot.DefaultConfig(snapshotPath())
	cfg.Logger = appLogger
	cfg.Pool = snapshotPoolConfig()
	if appConfig.Storage.CacheMaxCost > 0 {
		cfg.MaxCost = appConfig.Storage.CacheMaxCost
	}
	return snapshot.Open(ctx, cfg)
}
