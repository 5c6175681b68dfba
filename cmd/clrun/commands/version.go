package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/xupit3r/clrun/internal/hwinfo"
)

const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clrun v%s\n", version)
		fmt.Fprintln(cmd.OutOrStdout(), "A simulated GPU compute runtime")
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), "Build: development")
		fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "Generations: %v\n", hwinfo.Generations())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
