// Package cmd provides the command-line interface for Kestrel.
package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel simulates activity plans with an incremental cache",
	Long: `Kestrel is an incremental discrete-event simulation kernel. The ` +
		`CLI simulates YAML activity plans against the built-in thermal ` +
		`demonstration model; real deployments link their own models ` +
		`against the kernel packages.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	godotenv.Load()

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
