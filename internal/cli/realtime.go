package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/SpatialRTLS/internal/api"
	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
)

func newRealTimeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "realtime",
		Short: "Run the consumer-facing real-time tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			ln, err := net.Listen("tcp", a.cfg.Listen.RealTime)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", a.cfg.Listen.RealTime, err)
			}
			return runRealTime(ctx, ln, a.cfg, a.logger, metrics.New())
		},
	}
}

func newRealTimeHandler(rt *relay.RealTime, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return api.NewRouter(api.Options{
		Relay:     rt.Server(),
		WebSocket: rt.Handler(),
		Metrics:   m.Handler(),
		Checks: map[string]api.HealthCheck{
			"upstream": func(context.Context) error {
				if st := rt.UpstreamState(); st != relay.Streaming {
					return fmt.Errorf("upstream link %s", st)
				}
				return nil
			},
		},
		Role:    "realtime",
		Version: Version,
		Logger:  logger,
	})
}

// runRealTime serves consumers on ln and keeps the upstream link to the
// control tier up until ctx is cancelled
func runRealTime(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) error {
	rt := relay.NewRealTime(serverOptions("realtime", cfg.Relay), sessionOptions("realtime", cfg.Relay), logger, m)
	handler := newRealTimeHandler(rt, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Run(gctx)
	})
	g.Go(func() error {
		return serve(gctx, ln, handler, logger.With("role", "realtime"))
	})
	return g.Wait()
}
