package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/lodestar/cmd/gen"
	"github.com/luma/lodestar/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:   "lodestar",
	Short: "Lodestar cache server",
	Long: `Lodestar is a cache server speaking a line based command protocol
over TCP. Start it with "lodestar start".`,
	SilenceUsage: true,
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()

		fmt.Println(info)
		if info.BuildTime != "" {
			fmt.Println("built", info.BuildTime)
		}
	},
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the command line and exits non zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
