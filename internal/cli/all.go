package cli

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
)

func newAllCommand(a *app) *cobra.Command {
	var withBridge bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run every tier in one process",
		Long: `Run the control tier, the real-time tier and optionally the bridge in one
process. The real-time tier and the bridge reach the control tier over
relay.control_url exactly as they would when deployed apart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			cfg, logger := a.cfg, a.logger
			m := metrics.New()

			node, err := newControlNode(ctx, cfg, logger, m)
			if err != nil {
				return err
			}
			defer node.Close()

			controlLn, err := net.Listen("tcp", cfg.Listen.Control)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.Control, err)
			}
			realtimeLn, err := net.Listen("tcp", cfg.Listen.RealTime)
			if err != nil {
				_ = controlLn.Close()
				return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.RealTime, err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return serve(gctx, controlLn, node.Handler(), logger.With("role", "control"))
			})
			g.Go(func() error {
				return runRealTime(gctx, realtimeLn, cfg, logger, m)
			})
			if withBridge {
				g.Go(func() error {
					return runBridge(gctx, cfg, logger, m)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withBridge, "bridge", true, "also run the bridge")
	return cmd
}
