// Package main provides the chatguard CLI: the API server and a rule scanner.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information (set at build time)
var version = "dev"

func main() {
	var (
		configPath string
		envFile    string
	)

	rootCmd := &cobra.Command{
		Use:   "chatguard",
		Short: "Conversational safety and cost governance for persona chat",
		Long: `chatguard inspects every chat message before it reaches the model:
crisis language, abuse and prompt injection, per-user budgets with graceful
degradation, model routing and response caching.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if exists
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", envFile, err)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to .env file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newScanCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
