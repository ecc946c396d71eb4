package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/contestd/internal/config"
)

type flags struct {
	configFile string
	envFile    string
	debug      bool

	addr      string
	logLevel  string
	logFormat string
	dbPath    string
	dataset   string
	maxTasks  int
	interval  string
	queue     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	defaults := config.DefaultServerConfig()

	cmd := &cobra.Command{
		Use:   "contestd",
		Short: "contestd issues contest tasks to teams on a timer and collects their submissions",
		Long: `contestd seeds a task pool from a dataset, issues one task per interval to
every registered team over WebSocket, queues messages for teams that are
offline, and accepts annotation submissions over HTTP.

Configuration is read from defaults, then --config (YAML), then .env, then
CONTEST_* environment variables, then command-line flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var envFiles []string
			if f.envFile != "" {
				envFiles = append(envFiles, f.envFile)
			}
			cfg, err := config.Load(f.configFile, envFiles...)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, f, &cfg); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "Path to YAML config file")
	fl.StringVar(&f.envFile, "env-file", "", "Path to .env file (default ./.env if present)")
	fl.BoolVar(&f.debug, "debug", false, "Shorthand for --log-level=debug")
	fl.StringVar(&f.addr, "addr", defaults.Addr, "Listen address")
	fl.StringVar(&f.logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	fl.StringVar(&f.logFormat, "log-format", defaults.LogFormat, "Log format (text, json)")
	fl.StringVar(&f.dbPath, "db", "", "Database path (default ~/.contestd/contest.db)")
	fl.StringVar(&f.dataset, "dataset", defaults.Dataset, "Dataset directory or s3://bucket/prefix")
	fl.IntVar(&f.maxTasks, "max-tasks", defaults.MaxTasks, "Maximum number of tasks seeded into the pool")
	fl.StringVar(&f.interval, "interval", defaults.TaskInterval.String(), "Time between task issuances")
	fl.StringVar(&f.queue, "queue", defaults.QueueBackend, "Offline queue backend (memory, redis)")

	return cmd
}

// applyFlags overrides cfg with flags set explicitly on the command line.
func applyFlags(cmd *cobra.Command, f flags, cfg *config.ServerConfig) error {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("db") {
		cfg.DBPath = f.dbPath
	}
	if changed("dataset") {
		cfg.Dataset = f.dataset
	}
	if changed("max-tasks") {
		cfg.MaxTasks = f.maxTasks
	}
	if changed("interval") {
		d, err := parseDuration(f.interval)
		if err != nil {
			return fmt.Errorf("--interval: %w", err)
		}
		cfg.TaskInterval = d
	}
	if changed("queue") {
		cfg.QueueBackend = f.queue
	}
	return cfg.Validate()
}
