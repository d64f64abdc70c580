package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the runner version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("buildd-runner %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
