package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the mcpauth build version",
		Long: `Show the version this mcpauth binary was built from.

Release builds stamp the version at link time. Local builds report "dev".`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpauth version %s\n", rootCmd.Version)
		},
	}
}
