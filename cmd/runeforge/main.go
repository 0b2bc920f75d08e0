package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	actorID string
)

var rootCmd = &cobra.Command{
	Use:   "runeforge",
	Short: "Local knowledge base of reviewed solution fragments",
	Long: `runeforge stores reviewed solution fragments (runes) grouped by domain (orbs),
matches new tasks against them, and learns from moderated submissions and
task outcomes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "cli", "actor name recorded in the audit trail")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(runesCmd)
	rootCmd.AddCommand(orbsCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
