package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	dbPathFlag    string
	logFormatFlag string
	logLevelFlag  string

	errorStyle = color.New(color.FgRed)
)

var rootCmd = &cobra.Command{
	Use:   "sessioncored",
	Short: "Multi-session agent orchestration core",
	Long: `sessioncored wires the event log, orchestrator, and RPC dispatch
packages into a single process. It owns no network transport of its own;
"serve" exposes the RPC dispatcher over stdio so it can be driven directly
or embedded behind a real transport by a surrounding host.`,
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		errorStyle.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to the sqlite event log (empty uses an in-memory store)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "auto", "log output: auto, json, or dev")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "minimum log level: debug, info, warn, or error")
	rootCmd.AddCommand(serveCmd)
}
