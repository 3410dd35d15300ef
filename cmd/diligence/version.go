package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/diligence/internal/version"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if versionShort {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "diligence %s\n", version.Full())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
}
