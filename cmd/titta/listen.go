package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/relay"
	"github.com/dcnieho/Titta/sample"
)

type listenOptions struct {
	kind     string
	interval time.Duration
	print    bool
}

func newListenCmd(root *rootOptions) *cobra.Command {
	opts := &listenOptions{}
	cmd := &cobra.Command{
		Use:   "listen [source-id]",
		Short: "Receive a relayed stream and report what arrives",
		Long: `Create a listener for a relayed stream and periodically report its
statistics. The source is given by id, or with --kind the first advertised
stream of that kind is used. With --print every received sample is written to
stdout as one JSON object per line.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			metrics := metric.NewMetricsRegistry()
			transport, closeTransport, err := openTransport(ctx, cfg, metrics, logger)
			if err != nil {
				return err
			}
			defer closeTransport(context.Background())

			registry, err := relay.NewListenerRegistry(transport,
				relay.WithRegistryLogger(logger),
				relay.WithRegistryMetrics(metrics),
			)
			if err != nil {
				return err
			}
			defer func() { _ = registry.Close() }()

			sourceID, err := resolveSource(ctx, registry, args, opts.kind)
			if err != nil {
				return err
			}

			id, err := registry.CreateListener(ctx, sourceID,
				relay.WithInitialCapacity(cfg.Relay.ListenerInitialCapacity),
				relay.WithRingSize(cfg.Relay.ListenerRingSize),
				relay.WithStartListening(),
			)
			if err != nil {
				return err
			}
			defer func() { _ = registry.DeleteListener(id) }()

			info, err := registry.GetInletInfo(id)
			if err != nil {
				return err
			}
			logger.Info("Listening", "listener", id, "source_id", info.SourceID,
				"type", info.Type, "channels", info.ChannelCount())

			return runListen(ctx, cmd, registry, id, opts)
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", "", "listen to the first advertised stream of this kind")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "statistics report interval")
	cmd.Flags().BoolVar(&opts.print, "print", false, "print received samples as JSON lines")
	return cmd
}

func resolveSource(ctx context.Context, registry *relay.ListenerRegistry, args []string, kind string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if kind == "" {
		return "", errors.Invalidf(errors.ErrInvalidArgument, "listen", "resolveSource",
			"give a source id or --kind")
	}
	k, err := sample.ParseKind(kind)
	if err != nil {
		return "", err
	}
	infos, err := registry.Discover(ctx, k)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", errors.WrapTransient(
			fmt.Errorf("%s: %w", k, errors.ErrSourceNotFound), "listen", "resolveSource", "discover")
	}
	return infos[0].SourceID, nil
}

func runListen(ctx context.Context, cmd *cobra.Command, registry *relay.ListenerRegistry, id string, opts *listenOptions) error {
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	var last relay.ListenerStats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if opts.print {
			received, err := registry.ConsumeN(id, buffer.All, buffer.SideStart)
			if err != nil {
				return err
			}
			for _, r := range received {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
		}

		stats, err := registry.Stats(id)
		if err != nil {
			return err
		}
		rate := float64(stats.Samples-last.Samples) / opts.interval.Seconds()
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "samples=%d rate=%.1f/s packets=%d lost=%d rejected=%d buffered=%d\n",
			stats.Samples, rate, stats.Packets, stats.Lost, stats.Rejected, stats.Buffered)
		last = stats
	}
}
