package main

import (
	"github.com/spf13/cobra"

	"github.com/claudebridge/claudebridge/internal/common/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "claudebridge",
	Short: "Bridge Slack to local Claude CLI sessions",
	Long: `claudebridge connects a Slack channel to Claude CLI processes running
in your project directories. Conversational messages stream to the active
session; @@ commands manage sessions, task queues, and cron schedules.

Run without arguments to start the bridge. Use "claudebridge setup" for
first-run configuration and "claudebridge doctor" to verify the
environment.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBridge,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file or directory (default: ./config.yaml, ~/.claudebridge/config.yaml)")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

// usageError marks failures caused by configuration or arguments. main
// exits 2 for these and 1 for everything else.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErr(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadWithPath(cfgFile)
	}
	return config.Load()
}
