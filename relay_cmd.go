package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/james226/collab-session/metrics"
	"github.com/james226/collab-session/relay"
)

func relayCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the reference relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Relay.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.NewRelay(metrics.WithRegistry(registry))

			opts := []relay.Option{
				relay.WithLogger(logger),
				relay.WithRegistry(registry),
				relay.WithMetrics(m),
			}
			if cfg.Relay.RedisURL != "" {
				backplane, err := relay.NewRedisBackplane(ctx, cfg.Relay.RedisURL, logger, m)
				if err != nil {
					return err
				}
				defer backplane.Close()
				opts = append(opts, relay.WithBackplane(backplane))
				logger.Info("redis backplane enabled")
			}

			server, err := relay.NewServer(cfg.Relay, opts...)
			if err != nil {
				return err
			}
			return server.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides config and PORT)")

	return cmd
}
