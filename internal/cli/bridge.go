package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/feed"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
)

func newBridgeCommand(a *app) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Forward a vendor position feed to the control tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source != "" {
				a.cfg.Bridge.Source = source
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runBridge(ctx, a.cfg, a.logger, metrics.New())
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "override bridge.source (mqtt|jsonl)")
	return cmd
}

// runBridge keeps the upstream link up and starts reading the feed once the
// link first streams. Samples arriving while the link is down are dropped.
func runBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) error {
	source, err := feed.New(cfg.Bridge, logger)
	if err != nil {
		return err
	}
	b := relay.NewBridge(sessionOptions("bridge", cfg.Relay), logger, m)
	logger = logger.With("role", "bridge")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		if !waitStreaming(gctx, b.State) {
			return nil
		}
		forwarded := 0
		err := source.Run(gctx, func(s events.PositionSample) {
			if b.Forward(s) {
				forwarded++
			}
		})
		if err != nil {
			return err
		}
		logger.Info("Feed ended", "forwarded", forwarded)
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// waitStreaming blocks until state reports Streaming or ctx ends
func waitStreaming(ctx context.Context, state func() relay.ConnState) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if state() == relay.Streaming {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
