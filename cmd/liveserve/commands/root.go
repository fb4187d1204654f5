// Package commands implements the liveserve CLI.
package commands

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the liveserve command tree.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "liveserve",
		Short:         "Live preview server for HTML and markdown projects",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  liveserve serve                  # Serve current directory
  liveserve serve ./site --open /  # Serve ./site and show its index
  liveserve open docs/intro.html   # Show a page in the running preview
  cat draft.html | liveserve push index.html`,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newOpenCommand())
	root.AddCommand(newPushCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "liveserve version %s\n", version)
		},
	})
	return root
}

func init() {
	log.SetFlags(0) // Remove timestamp from logs
}
