package main

import (
	"github.com/spf13/cobra"
)

var envFile string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcp-oauth-tenant",
		Short:         "OAuth proxy that binds each MCP client to one QuickBooks company",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment; missing files are ignored")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}
