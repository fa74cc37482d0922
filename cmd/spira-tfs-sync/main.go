package main

import (
	"fmt"
	"os"

	"spira-tfs-sync/cmd/spira-tfs-sync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(commands.ExitCode())
}
