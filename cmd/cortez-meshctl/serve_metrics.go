package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrickcortez/cortezmesh/internal/metrics"
	"github.com/patrickcortez/cortezmesh/pkg/channel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeMetricsCmd() *cobra.Command {
	var addr string
	var watch []string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Join one or more existing channels read-only and expose their stats as Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _, logger, err := setupBackend(cmd)
			if err != nil {
				return err
			}

			var handles []*channel.Channel
			defer func() {
				for _, h := range handles {
					h.Leave()
				}
			}()

			for _, name := range watch {
				ch, err := channel.Join(backend, name, channel.Options{Policy: channel.JoinOnly})
				if err != nil {
					return err
				}
				handles = append(handles, ch)
				prometheus.MustRegister(metrics.NewChannelCollector(ch, name))
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: addr, Handler: mux}

			go func() {
				logger.Info().Str("addr", addr).Msg("metrics server listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9190", "listen address for the /metrics endpoint")
	cmd.Flags().StringSliceVar(&watch, "channel", nil, "channel name to watch (repeatable)")
	return cmd
}
