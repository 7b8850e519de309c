package commands

import (
	"github.com/spf13/cobra"

	"github.com/xornet/sectord/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for sectord
var RootCmd = &cobra.Command{
	Use:              "sectord",
	Short:            "section membership daemon",
	TraverseChildren: true,
}
