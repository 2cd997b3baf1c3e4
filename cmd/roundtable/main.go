// Package main is the CLI entry point for the Roundtable multi-agent
// conversation orchestrator.
//
// Roundtable hosts shared conversations between humans and autonomous
// agents: it decides which agent speaks next, streams responses to
// observers, routes each request to the right LLM provider, and keeps
// every agent's cross-conversation awareness condensed into short
// summaries.
//
// # Basic Usage
//
// Start the server:
//
//	roundtable serve --config roundtable.yaml
//
// # Environment Variables
//
//   - OPENROUTER_API_KEY: OpenRouter API key (required)
//   - ANTHROPIC_API_KEY: Anthropic API key for direct thinking routes
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "roundtable",
		Short:         "Multi-agent conversation orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "roundtable", version)
		},
	}
}
