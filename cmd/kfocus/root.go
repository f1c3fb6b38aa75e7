package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kfocus",
	Short: "kfocus - visible-time accounting and timed blocking for AI assistant sites",
	Long: `kfocus counts the time AI assistant pages are visible, per calendar day
and per domain, and blocks those domains while a focus or class window is
running. Counting agents report over a keepalive channel; blocking is
materialized as rules on an evaluation surface served to a DNS sinkhole.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/kfocus/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
