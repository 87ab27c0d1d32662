package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/patrickcortez/cortezmesh/pkg/channel"
	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	var size uint64
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a named channel and hold it open until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _, logger, err := setupBackend(cmd)
			if err != nil {
				return err
			}

			ch, err := channel.Join(backend, args[0], channel.Options{Size: size, Policy: channel.CreateOnly})
			if err != nil {
				return err
			}
			defer ch.Leave()

			logger.Info().Str("channel", args[0]).Uint64("size", size).Msg("channel created")
			fmt.Printf("created %q; press Ctrl+C to release\n", args[0])

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
	cmd.Flags().Uint64Var(&size, "size", 1<<20, "segment size in bytes, rounded up to page size")
	return cmd
}
