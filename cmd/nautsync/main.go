package main

import (
	"os"

	"github.com/nautlabs/nautsync/cmd/nautsync/commands"
)

func main() {
	rootCmd := commands.RootCmd
	rootCmd.AddCommand(
		commands.VersionCmd,
		commands.SimCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}
