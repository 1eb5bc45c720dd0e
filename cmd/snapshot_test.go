package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/klikkflow/flowsync/core/collab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCmd_Definition(t *testing.T) {
	names := make([]string, 0)
	for _, c := range snapshotCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "show", "delete", "prune", "backup", "backups", "restore", "migrate"}, names)

	olderThan := snapshotPruneCmd.Flags().Lookup("older-than")
	require.NotNil(t, olderThan)
	assert.Equal(t, "720h0m0s", olderThan.DefValue)

	rollback := snapshotMigrateCmd.Flags().Lookup("rollback")
	require.NotNil(t, rollback)
	assert.Equal(t, "-1", rollback.DefValue)
}

func TestSnapshotCmd_Migrate(t *testing.T) {
	dirs := testDirs(t)
	status := func(args ...string) schemaStatus {
		t.Helper()
		out, err := execute(t, dirs, append([]string{"snapshot", "migrate", "--json"}, args...)...)
		require.NoError(t, err)
		var s schemaStatus
		require.NoError(t, json.Unmarshal([]byte(out), &s), out)
		return s
	}

	fresh := status("--status")
	assert.Equal(t, 0, fresh.Version)
	assert.Len(t, fresh.Pending, 2)
	assert.Equal(t, "ok", fresh.Integrity)
	assert.Equal(t, dirs.SnapshotDB(), fresh.Path)

	migrated := status()
	assert.Equal(t, 2, migrated.Version)
	assert.Empty(t, migrated.Pending)

	rolled := status("--rollback", "1")
	assert.Equal(t, 1, rolled.Version)
	require.Len(t, rolled.Pending, 1)
	assert.Equal(t, 2, rolled.Pending[0].Version)

	// opening the store brings the schema forward again
	_, err := execute(t, dirs, "snapshot", "list")
	require.NoError(t, err)
	assert.Equal(t, 2, status("--status").Version)

	_, err = execute(t, dirs, "snapshot", "migrate", "--status", "--rollback", "0")
	assert.ErrorContains(t, err, "cannot be combined")
}

func TestSnapshotCmd_Lifecycle(t *testing.T) {
	dirs := testDirs(t)
	script := `
session: wf-snap
steps:
  - op: {id: op-1, kind: node-add, user_id: alice, path: [n1], payload: {node: {id: n1, type: http}}}
`
	_, err := execute(t, dirs, "replay", "--persist", "--json", writeScript(t, script))
	require.NoError(t, err)

	out, err := execute(t, dirs, "snapshot", "show", "--json", "wf-snap")
	require.NoError(t, err)
	var snap collab.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, uint64(1), snap.Version)
	require.NotNil(t, snap.Document)
	assert.Equal(t, "http", snap.Document.Nodes["n1"].Type)

	out, err = execute(t, dirs, "snapshot", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 snapshots.")

	out, err = execute(t, dirs, "snapshot", "delete", "wf-snap")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted snapshot wf-snap.")

	_, err = execute(t, dirs, "snapshot", "show", "wf-snap")
	assert.ErrorContains(t, err, "no snapshot")
	_, err = execute(t, dirs, "snapshot", "delete", "wf-snap")
	assert.Error(t, err)

	out, err = execute(t, dirs, "snapshot", "list")
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)
}

func TestSnapshotCmd_BackupRestore(t *testing.T) {
	dirs := testDirs(t)
	first := `
session: wf-a
steps:
  - op: {id: op-1, kind: node-add, user_id: alice, path: [n1], payload: {node: {id: n1, type: http}}}
`
	second := `
session: wf-b
steps:
  - op: {id: op-2, kind: node-add, user_id: bob, path: [n2], payload: {node: {id: n2, type: cron}}}
`
	_, err := execute(t, dirs, "replay", "--persist", "--json", writeScript(t, first))
	require.NoError(t, err)

	out, err := execute(t, dirs, "snapshot", "backup")
	require.NoError(t, err)
	backupPath := strings.TrimSpace(out)
	assert.FileExists(t, backupPath)

	_, err = execute(t, dirs, "replay", "--persist", "--json", writeScript(t, second))
	require.NoError(t, err)

	out, err = execute(t, dirs, "snapshot", "backups", "--json")
	require.NoError(t, err)
	var backups []struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &backups))
	require.Len(t, backups, 1)
	assert.Equal(t, backupPath, backups[0].Path)

	out, err = execute(t, dirs, "snapshot", "restore")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored")

	out, err = execute(t, dirs, "snapshot", "list", "--json")
	require.NoError(t, err)
	var infos []struct {
		SessionID string
	}
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "wf-a", infos[0].SessionID)
}

func TestSnapshotCmd_RestoreWithoutBackups(t *testing.T) {
	_, err := execute(t, testDirs(t), "snapshot", "restore")
	assert.ErrorContains(t, err, "no backups")
}
