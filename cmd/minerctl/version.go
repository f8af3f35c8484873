package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/powerhive/minerctl/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "minerctl %s\n", version.Full())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
