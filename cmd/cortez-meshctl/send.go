package main

import (
	"fmt"
	"time"

	"github.com/patrickcortez/cortezmesh/pkg/mesh"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var nodeName string
	var msgType uint16
	var waitFor time.Duration
	cmd := &cobra.Command{
		Use:   "send PEER_PREFIX MESSAGE",
		Short: "Join the mesh, resolve PEER_PREFIX to a pid, and send MESSAGE to its inbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, cfg, logger, err := setupBackend(cmd)
			if err != nil {
				return err
			}
			if nodeName == "" {
				nodeName = cfg.NodeName + "-ctl"
			}
			if msgType < mesh.UserMsgStart {
				return fmt.Errorf("msg-type must be >= %d to avoid colliding with registry message types", mesh.UserMsgStart)
			}

			m, err := mesh.Init(nodeName, cfg.MeshOptions(backend, cfg.Logger()))
			if err != nil {
				return err
			}
			defer m.Shutdown()

			deadline := time.Now().Add(waitFor)
			var pid int32
			for {
				pid = m.FindPeerByName(args[0])
				if pid != 0 || time.Now().After(deadline) {
					break
				}
				time.Sleep(50 * time.Millisecond)
			}
			if pid == 0 {
				return fmt.Errorf("no peer found with prefix %q after %s", args[0], waitFor)
			}

			if err := m.Send(pid, msgType, []byte(args[1])); err != nil {
				return err
			}
			logger.Info().Int32("target_pid", pid).Msg("message sent")
			fmt.Printf("sent to pid %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeName, "node", "", "node name for this transient sender; defaults to CORTEZ_NODE_NAME-ctl")
	cmd.Flags().Uint16Var(&msgType, "msg-type", mesh.UserMsgStart, "application message type (must be >= 100)")
	cmd.Flags().DurationVar(&waitFor, "wait", 2*time.Second, "how long to wait for the peer to appear in the registry")
	return cmd
}
