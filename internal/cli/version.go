package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of trustctl.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("trustctl CLI\n")
			cmd.Printf("  Version: %s\n", info.Version)
			cmd.Printf("  Commit:  %s\n", info.Commit)
			cmd.Printf("  Built:   %s\n", info.Date)
			cmd.Printf("  Runtime: %s\n", runtime.Version())
		},
	}
}
