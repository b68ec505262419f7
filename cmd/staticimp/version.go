package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/staticimp/staticimp"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of staticimp",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "staticimp version %s\n", strings.TrimSpace(staticimp.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
