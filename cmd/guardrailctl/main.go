package main

import (
	"fmt"
	"os"

	"github.com/clearbridge/guardrail/internal/cli"
	"github.com/clearbridge/guardrail/internal/cli/client"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "guardrailctl",
		Short: "Guardrail CLI - Knowledge governance for AI assistants",
		Long: `Guardrail CLI manages governed knowledge entries and the retrieval pipeline.

Environment variables:
  GUARDRAIL_API_KEY   API key for authentication (required)
  GUARDRAIL_API_URL   API base URL (default: http://localhost:8080)`,
		Version: version,
	}

	rootCmd.PersistentFlags().Bool("output", false, "Output as JSON")
	rootCmd.PersistentFlags().String("api-key", "", "API key for authentication (overrides env and config)")
	rootCmd.PersistentFlags().String("api-url", "", "API base URL (overrides env and config)")
	cli.AddHelpJSONFlag(rootCmd)

	rootCmd.AddCommand(client.AuthCmd())
	rootCmd.AddCommand(client.KnowledgeCmd())
	rootCmd.AddCommand(client.AdminCmd())

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
