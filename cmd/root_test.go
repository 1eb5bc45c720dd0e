package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klikkflow/flowsync/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with fresh flag state and isolated
// directories, returning what was written to stdout.
func execute(t *testing.T, dirs *storage.Dirs, args ...string) (string, error) {
	t.Helper()

	configFile, logLevel, logFormat, jsonOutput = "", "", "", false
	replayPersist, replayVerify, replayDump = false, false, false
	resolveStrategy, resolveChoice, resolveList = "", "", false
	migrateStatus, migrateRollback = false, -1
	replayWatch = false

	resolveDirs = func() (*storage.Dirs, error) { return dirs, nil }
	t.Cleanup(func() { resolveDirs = storage.ResolveDirs })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func testDirs(t *testing.T) *storage.Dirs {
	t.Helper()
	return &storage.Dirs{
		Config: t.TempDir(),
		Data:   t.TempDir(),
		Cache:  t.TempDir(),
		State:  t.TempDir(),
	}
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRootCmd_Definition(t *testing.T) {
	assert.Equal(t, "flowsync", rootCmd.Use)

	flags := rootCmd.PersistentFlags()
	configFlag := flags.Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.NotNil(t, flags.Lookup("log-level"))
	assert.NotNil(t, flags.Lookup("json"))

	names := make([]string, 0)
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"replay", "resolve", "snapshot"})
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	dirs := testDirs(t)
	require.NoError(t, os.WriteFile(dirs.ConfigFile(), []byte("log:\n  level: loud\n"), 0644))

	_, err := execute(t, dirs, "resolve", "--list-strategies")
	assert.Error(t, err)
}

func TestRootCmd_LogOverrides(t *testing.T) {
	_, err := execute(t, testDirs(t), "--log-level", "debug", "--log-format", "json", "resolve", "--list-strategies")
	require.NoError(t, err)
	assert.Equal(t, "debug", appConfig.Log.Level)
	assert.Equal(t, "json", appConfig.Log.Format)
}
