package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/klikkflow/flowsync/core/config"
	"github.com/klikkflow/flowsync/core/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowsync",
	Short: "flowsync - collaborative workflow editing engine",
	Long: `flowsync drives the operational transform and conflict resolution engine
from YAML scripts. Use it to replay editing sessions, inspect conflicts and
manage persisted session snapshots.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var (
	configFile string
	logLevel   string
	logFormat  string
	jsonOutput bool

	appConfig  *config.Config
	appConfigs *config.Manager
	appDirs    *storage.Dirs
	appLogger  *slog.Logger

	resolveDirs = storage.ResolveDirs
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Path to an additional config file")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug,info,warn,error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (text,json)")
	flags.BoolVar(&jsonOutput, "json", false, "Write JSON even when stdout is a terminal")
}

func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command, args []string) error {
	dirs, err := resolveDirs()
	if err != nil {
		return fmt.Errorf("resolve directories: %w", err)
	}

	overrides := &config.Config{Log: config.LogConfig{Level: logLevel, Format: logFormat}}
	opts := []config.Option{config.WithOverrides(overrides)}
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}

	mgr := config.NewManager(dirs, opts...)
	if err := mgr.Load(); err != nil {
		return err
	}

	cfg := mgr.Get()
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	appConfig = cfg
	appConfigs = mgr
	appDirs = dirs
	appLogger = logger
	return nil
}
