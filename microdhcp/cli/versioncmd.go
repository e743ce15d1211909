package cli

import (
	"fmt"

	"github.com/metal-stack/v"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(v.V.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
