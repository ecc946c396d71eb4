// Package cli implements contestctl, the participant command line for a
// contestd server.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/contestd/internal/logging"
)

var (
	flagServer    string
	flagToken     string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking CONTEST_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("CONTEST_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8000"
}

// NewRootCmd creates the root cobra command for the contestctl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "contestctl",
		Short: "contestctl - take part in a contestd contest",
		Long:  "contestctl registers a team, watches the task stream, and submits annotations to a contestd server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			client.Token = resolveToken(flagToken)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "contestd server URL (or CONTEST_SERVER env)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "Team token (or CONTEST_TOKEN env, or saved credentials)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRegisterCmd(),
		newLoginCmd(),
		newStatusCmd(),
		newTasksCmd(),
		newSubmitCmd(),
		newSubmissionsCmd(),
		newWatchCmd(),
	)

	return root
}
