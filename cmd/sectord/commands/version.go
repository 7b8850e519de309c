package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xornet/sectord/src/version"
)

// NewVersionCmd produces a command that prints the version string.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
