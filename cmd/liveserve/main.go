// Command liveserve serves a project directory to a live preview browser.
package main

import (
	"fmt"
	"os"

	"github.com/livetemplate/liveserve/cmd/liveserve/commands"
)

const version = "0.1.0-dev"

func main() {
	if err := commands.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
