package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrickcortez/cortezmesh/pkg/mesh"
	"github.com/spf13/cobra"
)

func newListenCmd() *cobra.Command {
	var nodeName string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Join the mesh under NODE and print every inbox message until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, cfg, logger, err := setupBackend(cmd)
			if err != nil {
				return err
			}
			if nodeName == "" {
				nodeName = cfg.NodeName
			}

			m, err := mesh.Init(nodeName, cfg.MeshOptions(backend, cfg.Logger()))
			if err != nil {
				return err
			}
			defer m.Shutdown()

			self := m.Self()
			logger.Info().Str("inbox", self.InboxName).Int32("pid", self.PID).Msg("listen started")
			fmt.Printf("listening as %q (pid %d); press Ctrl+C to stop\n", self.InboxName, self.PID)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case <-sig:
					return nil
				default:
				}

				msg, err := m.Read(500 * time.Millisecond)
				if err != nil {
					continue
				}
				fmt.Printf("[type=%d from=%d] %s\n", msg.MsgType, msg.SenderPID, string(msg.Payload))
				msg.Release()
			}
		},
	}
	cmd.Flags().StringVar(&nodeName, "node", "", "node name; defaults to CORTEZ_NODE_NAME")
	return cmd
}
