// Sanduku — pooled sandbox execution engine for agent-generated Python code.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — pooled sandbox execution engine for agent-generated code.",
	Long: `Sanduku runs agent-generated Python code inside pre-warmed, isolated
sandbox workers. Tool definitions are staged into a shared workspace, code is
validated by guardrails before and after execution, and results are exposed
over MCP and an HTTP API.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
