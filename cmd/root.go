// Package cmd wires the CLI: configuration, logging, the knowledge
// stores, and the orchestrator behind the ask and ingest commands.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "Retrieval-augmented chat over your own documents",
	Long: `agentchat answers questions with an LLM grounded in your own documents.

Ingest files into a collection, then ask questions: the orchestrator runs
the model's tool calls locally and guarantees at least one knowledge
retrieval per turn when forced retrieval is enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. ctx cancellation (Ctrl-C) stops a
// streaming turn; completed tool calls and written batches stay.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
