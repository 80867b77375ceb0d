package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the release version of the kestrel CLI.
const Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kestrel version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("kestrel " + Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
