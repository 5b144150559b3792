package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "chatguard",
	Short: "Multi-tenant chat service with policy, budget and visibility enforcement",
	Long: `chatguard serves the multi-user chat API.

Available subcommands:
  serve   - Run the HTTP (and optional gRPC) server
  migrate - Apply, roll back, seed or inspect database migrations
  policy  - Evaluate policy files offline`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment (default .env)")
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)

	rootCmd.AddCommand(serveCmd, migrateCmd, policyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
