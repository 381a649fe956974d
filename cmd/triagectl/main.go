package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiURL  string
	apiKey  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "triagectl",
	Short: "Feedback triage CLI",
	Long: `triagectl runs feedback triage batches locally and talks to a running
triaged daemon to list, review and correct generated tickets.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("TRIAGE_API_URL", "http://localhost:8080"), "Daemon URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("TRIAGE_API_KEY"), "API key for authentication")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
