package main

import (
	"fmt"

	"github.com/patrickcortez/cortezmesh/pkg/channel"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats NAME",
		Short: "Join an existing channel and print its published health counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _, _, err := setupBackend(cmd)
			if err != nil {
				return err
			}

			ch, err := channel.Join(backend, args[0], channel.Options{Policy: channel.JoinOnly})
			if err != nil {
				return err
			}
			defer ch.Leave()

			if ch.IsStale() {
				fmt.Printf("%s: STALE (owner not running)\n", args[0])
			}

			s := ch.Stats()
			fmt.Printf("channel:           %s\n", args[0])
			fmt.Printf("owner_pid:         %d\n", s.OwnerPID)
			fmt.Printf("active_connections:%d\n", s.ActiveConnections)
			fmt.Printf("buffer_capacity:   %d\n", s.BufferCapacity)
			fmt.Printf("buffer_bytes_used: %d\n", s.BufferBytesUsed)
			fmt.Printf("messages_written:  %d\n", s.MessagesWritten)
			fmt.Printf("messages_read:     %d\n", s.MessagesRead)
			fmt.Printf("bytes_written:     %d\n", s.BytesWritten)
			fmt.Printf("bytes_read:        %d\n", s.BytesRead)
			fmt.Printf("write_contention:  %d\n", s.WriteContentionCount)
			fmt.Printf("recovered_count:   %d\n", s.ChannelRecoveredCount)
			return nil
		},
	}
	return cmd
}
