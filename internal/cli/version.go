package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("deepresearch %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
