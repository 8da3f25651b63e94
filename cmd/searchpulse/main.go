package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "searchpulse",
	Short:         "Search performance insights and prioritized actions",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(ingestCmd, aggregateCmd, detectCmd, scheduleCmd)
	rootCmd.AddCommand(insightsCmd, actionsCmd, watermarksCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
