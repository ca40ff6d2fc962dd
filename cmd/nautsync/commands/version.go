package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nautlabs/nautsync/version"
)

// VersionCmd prints the semantic version of the nautsync binary.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.NautSyncSemVer)
	},
}
