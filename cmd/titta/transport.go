package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dcnieho/Titta/config"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/natsclient"
	"github.com/dcnieho/Titta/relay"
)

// openTransport builds the relay transport named by the configuration. The
// returned closer releases the NATS connection, if any.
func openTransport(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (relay.Transport, func(context.Context), error) {
	if cfg.Relay.Transport == config.TransportMemory {
		logger.Warn("Using the in-process transport; streams are not visible to other processes")
		t := relay.NewMemoryTransport(cfg.Relay.QueueSize)
		return t, func(context.Context) { t.Close() }, nil
	}

	opts := append(cfg.ClientOptions(),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMetrics(registry),
	)
	client, err := natsclient.NewClient(cfg.URL(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.URL())
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	transport, err := relay.NewNATSTransport(ctx, client, cfg.RelayNATS(), logger)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, nil, fmt.Errorf("create relay transport: %w", err)
	}
	return transport, func(ctx context.Context) {
		if err := client.Close(ctx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}, nil
}
