package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klikkflow/flowsync/core/collab"
	"github.com/klikkflow/flowsync/core/config"
	"github.com/klikkflow/flowsync/core/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const editScript = `
session: wf-test
participants: [alice, bob]
document:
  nodes:
    n1: {id: n1, type: set, parameters: {body: abcdef}}
steps:
  - op: {id: op-1, kind: text-insert, user_id: alice, timestamp: "2024-01-01T00:00:00Z", path: [n1, body], payload: {position: 0, text: hi}}
  - op: {id: op-2, kind: text-insert, user_id: bob, timestamp: "2024-01-01T00:00:01Z", path: [n1, body], payload: {position: 0, text: X}}
  - ack: {user: bob, version: 1}
  - undo: alice
`

func decodeReplay(t *testing.T, out string) replayResult {
	t.Helper()
	var result replayResult
	require.NoError(t, json.Unmarshal([]byte(out), &result), out)
	return result
}

func TestReplayCmd_Definition(t *testing.T) {
	assert.Equal(t, "replay <script.yaml>", replayCmd.Use)
	flags := replayCmd.Flags()
	for _, name := range []string{"persist", "verify", "dump", "watch"} {
		flag := flags.Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "false", flag.DefValue)
	}
}

func TestReplayCmd_AppliesScript(t *testing.T) {
	out, err := execute(t, testDirs(t), "replay", "--json", writeScript(t, editScript))
	require.NoError(t, err)

	result := decodeReplay(t, out)
	assert.Equal(t, "wf-test", result.Session)
	assert.Equal(t, uint64(3), result.Version)
	require.Len(t, result.Steps, 4)

	second := result.Steps[1]
	require.NotNil(t, second.Applied)
	assert.Equal(t, 2, second.Applied.TextPayload().Position)
	require.Len(t, second.Conflicts, 1)
	assert.Equal(t, collab.ConflictConcurrentEdit, second.Conflicts[0].Kind)

	assert.Equal(t, "ack", result.Steps[2].Action)
	assert.Equal(t, "undo", result.Steps[3].Action)
	require.NotNil(t, result.Steps[3].Applied)
	assert.Equal(t, collab.KindTextDelete, result.Steps[3].Applied.Kind)

	require.NotNil(t, result.Document)
	assert.Equal(t, "Xabcdef", result.Document.Nodes["n1"].Parameters["body"])

	require.Len(t, result.History, 2)
	assert.Equal(t, "op-2", result.History[0].Operation.ID)
	assert.NotEmpty(t, result.Signals)
	assert.Nil(t, result.Verified)
}

func TestReplayCmd_Verify(t *testing.T) {
	out, err := execute(t, testDirs(t), "replay", "--json", "--verify", writeScript(t, editScript))
	require.NoError(t, err)

	result := decodeReplay(t, out)
	require.NotNil(t, result.Verified)
	assert.True(t, *result.Verified)
}

func TestReplayCmd_StepErrorsAreReported(t *testing.T) {
	script := `
steps:
  - op: {id: op-1, kind: node-add}
  - undo: bob
`
	out, err := execute(t, testDirs(t), "replay", "--json", writeScript(t, script))
	require.NoError(t, err)

	result := decodeReplay(t, out)
	assert.Equal(t, "default", result.Session)
	require.Len(t, result.Steps, 2)
	assert.Contains(t, result.Steps[0].Error, "missing")
	assert.Contains(t, result.Steps[1].Error, "nothing to undo")
	assert.Equal(t, uint64(0), result.Version)
}

func TestReplayCmd_RejectsAmbiguousStep(t *testing.T) {
	script := `
steps:
  - undo: alice
    reset: true
`
	_, err := execute(t, testDirs(t), "replay", writeScript(t, script))
	assert.ErrorContains(t, err, "exactly one")

	_, err = execute(t, testDirs(t), "replay", "--persist", "--verify", writeScript(t, script))
	assert.Error(t, err)
}

func TestReplayCmd_Dump(t *testing.T) {
	out, err := execute(t, testDirs(t), "replay", "--dump", writeScript(t, editScript))
	require.NoError(t, err)
	assert.Contains(t, out, "replayResult")
	assert.Contains(t, out, "wf-test")
}

func TestReplayCmd_PersistContinuesSession(t *testing.T) {
	dirs := testDirs(t)
	step := func(id string, n int) string {
		return fmt.Sprintf(`
session: wf-persist
steps:
  - op: {id: %s, kind: workflow-update, user_id: alice, path: [retries], payload: {data: %d}}
`, id, n)
	}

	_, err := execute(t, dirs, "replay", "--json", "--persist", writeScript(t, step("op-1", 1)))
	require.NoError(t, err)
	out, err := execute(t, dirs, "replay", "--json", "--persist", writeScript(t, step("op-2", 2)))
	require.NoError(t, err)

	result := decodeReplay(t, out)
	assert.Equal(t, uint64(2), result.Version)
	require.Len(t, result.History, 2)
	assert.Equal(t, "op-1", result.History[0].Operation.ID)
	assert.Equal(t, float64(2), result.Document.Settings["retries"])

	_, err = os.Stat(filepath.Join(dirs.Data, "snapshots.db"))
	assert.NoError(t, err)

	out, err = execute(t, dirs, "snapshot", "list", "--json")
	require.NoError(t, err)
	var infos []snapshot.Info
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "wf-persist", infos[0].SessionID)
	assert.Equal(t, uint64(2), infos[0].Version)
}

type failingPersister struct {
	saves int
}

func (p *failingPersister) SaveSnapshot(context.Context, collab.Snapshot) error {
	p.saves++
	return errors.New("disk full")
}

func (p *failingPersister) LoadSnapshot(context.Context, string) (collab.Snapshot, bool, error) {
	return collab.Snapshot{}, false, nil
}

func TestReplay_SaveFailureIsReturned(t *testing.T) {
	appConfig = config.DefaultConfig()
	appLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	replayVerify = false

	var sc script
	require.NoError(t, readYAML(writeScript(t, editScript), &sc))

	persister := &failingPersister{}
	result, err := replay(context.Background(), sc, persister)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save session wf-test")
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, result)
	assert.Equal(t, 1, persister.saves)
}

func TestReplay_WithoutPersister(t *testing.T) {
	appConfig = config.DefaultConfig()
	appLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	replayVerify = false

	var sc script
	require.NoError(t, readYAML(writeScript(t, editScript), &sc))

	result, err := replay(context.Background(), sc, nil)
	require.NoError(t, err)
	assert.Equal(t, "wf-test", result.Session)
}

func TestReplayCmd_WatchRejectsPersist(t *testing.T) {
	_, err := execute(t, testDirs(t), "replay", "--watch", "--persist", writeScript(t, editScript))
	assert.ErrorContains(t, err, "--watch cannot be combined with --persist")
}

func TestWatchReplay_RerunsOnConfigChange(t *testing.T) {
	appLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	file := filepath.Join(t.TempDir(), "flowsync.yaml")
	writeStrategy := func(strategy string) {
		require.NoError(t, os.WriteFile(file, []byte("collab:\n  default_strategy: "+strategy+"\n"), 0644))
	}
	writeStrategy(collab.StrategyLastWriteWins)

	mgr := config.NewManager(testDirs(t), config.WithProjectRoot(t.TempDir()), config.WithConfigFile(file))
	require.NoError(t, mgr.Load())

	ctx, cancel := context.WithCancel(context.Background())
	strategies := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- watchReplay(ctx, mgr, func(cfg *config.Config) error {
			select {
			case strategies <- cfg.Collab.DefaultStrategy:
			default:
			}
			if cfg.Collab.DefaultStrategy == collab.StrategyManual {
				return errors.New("rerun failed")
			}
			return nil
		})
	}()

	seen := func(want string, trigger func()) func() bool {
		return func() bool {
			trigger()
			select {
			case got := <-strategies:
				return got == want
			default:
				return false
			}
		}
	}

	// explicit reload
	require.Eventually(t, seen(collab.StrategyLastWriteWins, func() { _ = mgr.Reload() }), 5*time.Second, 20*time.Millisecond)

	// a failing rerun does not stop the watch
	writeStrategy(collab.StrategyManual)
	require.Eventually(t, seen(collab.StrategyManual, func() { _ = mgr.Reload() }), 5*time.Second, 20*time.Millisecond)

	// file write picked up by the watcher
	require.Eventually(t, seen(collab.StrategyFirstWriteWins, func() { writeStrategy(collab.StrategyFirstWriteWins) }), 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchReplay did not stop after cancel")
	}
	assert.ErrorIs(t, mgr.Watch(context.Background()), config.ErrManagerClosed)
}
