package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/relay"
	"github.com/dcnieho/Titta/sample"
)

func newDiscoverCmd(root *rootOptions) *cobra.Command {
	var (
		kinds  []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the streams currently advertised on the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			filter, err := parseKinds(kinds)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			transport, closeTransport, err := openTransport(ctx, cfg, metric.NewMetricsRegistry(), logger)
			if err != nil {
				return err
			}
			defer closeTransport(context.Background())

			registry, err := relay.NewListenerRegistry(transport, relay.WithRegistryLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = registry.Close() }()

			infos, err := registry.Discover(ctx, filter...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SOURCE ID\tTYPE\tCHANNELS\tFORMAT\tRATE\tDEVICE")
			for _, info := range infos {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%g\t%s\n",
					info.SourceID, info.Type, info.ChannelCount(), info.Format(),
					info.NominalRate, info.Device.Model)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "only list these stream kinds")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full channel descriptions as JSON")
	return cmd
}

func parseKinds(names []string) ([]sample.Kind, error) {
	kinds := make([]sample.Kind, 0, len(names))
	for _, name := range names {
		k, err := sample.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
