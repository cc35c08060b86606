// Package cli implements the deepresearch command line: a long-running API
// server and a one-shot terminal mode, sharing one configuration layer and
// one dependency container.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "deepresearch",
		Short: "Multi-stage deep research orchestrator",
		Long: `deepresearch answers open-ended questions by clarifying the goal, planning
a research brief, fanning subtasks out to parallel researcher slots backed by
web search, and compressing everything into a cited report.

EXAMPLES:
  deepresearch serve                             # REST + websocket API
  deepresearch run "How do heat pumps work?"     # one-shot, report on stdout
  deepresearch run --depth shallow -o report.md "History of the metric system"

Configuration comes from deepresearch.yaml, DEEPRESEARCH_* environment
variables, and a .env file, in ascending precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (default ./deepresearch.yaml)")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", styleError.Render("error:"), err)
		os.Exit(1)
	}
}
