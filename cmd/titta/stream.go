package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dcnieho/Titta/capture"
	"github.com/dcnieho/Titta/config"
	"github.com/dcnieho/Titta/device"
	"github.com/dcnieho/Titta/device/simulated"
	"github.com/dcnieho/Titta/gateway/websocket"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/relay"
)

type streamOptions struct {
	rate   float64
	serial string
	kinds  []string
}

func newStreamCmd(root *rootOptions) *cobra.Command {
	opts := &streamOptions{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Capture from a simulated tracker and relay its streams",
		Long: `Capture samples from a simulated eye tracker, advertise the configured
stream kinds and publish every captured sample until interrupted. With the
gateway enabled, browser clients can control and read the gaze buffer over
websocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if len(opts.kinds) > 0 {
				cfg.Relay.Kinds = opts.kinds
			}
			return runStream(cmd.Context(), root, cfg, opts, logger)
		},
	}
	cmd.Flags().Float64Var(&opts.rate, "rate", 600, "simulated gaze sampling rate in Hz")
	cmd.Flags().StringVar(&opts.serial, "serial", "SIM-0001", "simulated tracker serial number")
	cmd.Flags().StringSliceVar(&opts.kinds, "kinds", nil, "stream kinds to relay (overrides relay.kinds)")
	return cmd
}

func runStream(ctx context.Context, root *rootOptions, cfg *config.Config, opts *streamOptions, logger *slog.Logger) error {
	kinds, err := cfg.RelayKinds()
	if err != nil {
		return err
	}

	registry := metric.NewMetricsRegistry()
	dev := simulated.New(
		simulated.WithRate(opts.rate),
		simulated.WithLogger(logger.With("component", "simulated-device")),
		simulated.WithInfo(device.Info{
			Name:         "simulated",
			SerialNumber: opts.serial,
			Model:        "Simulated Tracker",
			Address:      "sim://" + opts.serial,
			TrackingMode: "human",
		}),
	)

	session, err := capture.NewSession(dev, cfg.Capture,
		capture.WithLogger(logger.With("component", "capture")),
		capture.WithMetrics(registry),
	)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	transport, closeTransport, err := openTransport(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	defer closeTransport(context.Background())

	outlet, err := relay.NewOutlet(session, transport,
		relay.WithOutletLogger(logger.With("component", "outlet")),
		relay.WithOutletMetrics(registry),
		relay.WithBatchSize(cfg.Relay.BatchSize),
		relay.WithReadvertiseInterval(cfg.Relay.ReadvertiseInterval),
	)
	if err != nil {
		return err
	}
	if cfg.Capture.IncludeEyeOpennessInGaze {
		if _, err := outlet.SetIncludeEyeOpennessInGaze(true); err != nil {
			return err
		}
	}

	for _, kind := range kinds {
		if err := outlet.Start(ctx, kind); err != nil {
			_ = outlet.Close(context.Background())
			return fmt.Errorf("start %s outlet: %w", kind, err)
		}
	}
	for _, info := range outlet.Streaming() {
		logger.Info("Streaming", "source_id", info.SourceID, "type", info.Type,
			"channels", info.ChannelCount(), "rate", info.NominalRate)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Gateway.Enabled {
		ws, err := websocket.NewServer(session, cfg.Gateway.Config,
			websocket.WithLogger(logger),
			websocket.WithMetrics(registry),
		)
		if err != nil {
			return err
		}
		g.Go(func() error { return ws.Run(gctx) })
	}

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), root.shutdownTimeout)
			defer cancel()
			return srv.Stop(stopCtx)
		})
		logger.Info("Serving metrics", "address", srv.Address())
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")
		stopCtx, cancel := context.WithTimeout(context.Background(), root.shutdownTimeout)
		defer cancel()
		return outlet.Close(stopCtx)
	})

	err = g.Wait()
	logger.Info("Stream shutdown complete")
	return err
}
