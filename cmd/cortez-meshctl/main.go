// Command cortez-meshctl is an operator tool over the mesh: create or
// inspect channels directly, or join the mesh as a throwaway node to send
// and listen for messages. Grounded in the original tools-src CLI
// utilities (cortez-mesh.c, ctz-buff.c) that exercised this bus by hand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cortez-meshctl",
		Short: "Inspect and exercise a Cortez mesh bus from the command line",
	}

	root.PersistentFlags().Bool("file-backend", false, "use the file-backed stand-in instead of /dev/cortez_tunnel")
	root.PersistentFlags().String("device-path", "", "override the character device path")
	root.PersistentFlags().String("file-backend-dir", "", "override the file-backend root directory")
	root.PersistentFlags().String("log-level", "", "override CORTEZ_LOG_LEVEL")
	root.PersistentFlags().String("log-format", "", "override CORTEZ_LOG_FORMAT")

	root.AddCommand(
		newCreateCmd(),
		newStatsCmd(),
		newListenCmd(),
		newSendCmd(),
		newServeMetricsCmd(),
	)
	return root
}
