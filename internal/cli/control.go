package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Spatial-NVR/SpatialRTLS/internal/api"
	"github.com/Spatial-NVR/SpatialRTLS/internal/bus"
	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/database"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
	"github.com/Spatial-NVR/SpatialRTLS/internal/rules"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
	"github.com/Spatial-NVR/SpatialRTLS/internal/subjects"
	"github.com/Spatial-NVR/SpatialRTLS/internal/triggers"
	"github.com/Spatial-NVR/SpatialRTLS/internal/zones"
)

func newControlCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "control",
		Short: "Run the control tier with the trigger and rule engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runControl(ctx, a.cfg, a.logger)
		},
	}
}

func runControl(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	node, err := newControlNode(ctx, cfg, logger, metrics.New())
	if err != nil {
		return err
	}
	defer node.Close()

	ln, err := net.Listen("tcp", cfg.Listen.Control)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.Control, err)
	}
	return serve(ctx, ln, node.Handler(), logger)
}

// controlNode is the control tier plus the engines behind it. Accepted
// samples go out on the bus; the engines consume them and publish their
// events back, which the control tier relays to subscribers.
type controlNode struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *database.DB
	bus      *bus.Bus
	server   *relay.Server
	resolver *zones.Resolver
	subjects *subjects.Registry
	triggers *triggers.Manager
	rules    *rules.Cache
	proc     *rules.Processor
	eventLog *events.Service
	handler  http.Handler

	cancel context.CancelFunc
	done   chan struct{}
}

func newControlNode(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (_ *controlNode, err error) {
	n := &controlNode{cfg: cfg, logger: logger.With("role", "control")}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	n.db, err = database.Open(database.FromSettings(cfg.System.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err = database.NewMigrator(n.db).Run(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	st := store.New(n.db.DB, logger)
	n.eventLog = events.NewService(n.db.DB, logger)
	n.resolver = zones.NewResolver(st, zones.Options{
		QueryTimeout: cfg.Resolver.QueryTimeout,
		CacheTTL:     cfg.Resolver.CacheTTL,
		EnvelopeType: cfg.Resolver.EnvelopeType,
	}, logger, m)

	n.subjects = subjects.NewRegistry(st, logger)
	if err := n.subjects.Refresh(ctx); err != nil {
		n.logger.Warn("Starting with an empty device directory", "error", err)
	}

	n.bus, err = bus.New(bus.Config{URL: cfg.Bus.URL, Host: cfg.Bus.Host, Port: cfg.Bus.Port}, logger)
	if err != nil {
		return nil, err
	}

	serverOpts := serverOptions("control", cfg.Relay)
	serverOpts.AcceptSamples = true
	serverOpts.LocateZone = func(s events.PositionSample) int64 {
		return n.resolver.ResolveZone(context.Background(), geo.Point{X: s.X, Y: s.Y, Z: s.Z}, cfg.System.CampusID)
	}
	n.server = relay.NewServer(serverOpts, func(s events.PositionSample) {
		if err := n.bus.PublishSample(s); err != nil {
			n.logger.Warn("Failed to publish sample", "device_id", s.DeviceID, "error", err)
		}
	}, logger, m)

	campus := cfg.System.CampusID
	n.triggers = triggers.NewManager(st, n.resolver, n.subjects, func(ev events.TriggerEvent) {
		if err := n.bus.PublishTriggerEvent(ev); err != nil {
			n.logger.Warn("Failed to publish trigger event", "trigger_id", ev.TriggerID, "error", err)
		}
	}, triggers.ManagerOptions{CampusID: campus, QueueSize: cfg.Rules.QueueSize}, logger, m)

	n.rules = rules.NewCache(st, logger, m)
	if _, err := n.rules.Reload(ctx); err != nil {
		n.logger.Error("Initial rule load failed, starting with no rules", "error", err)
	}
	n.proc = rules.NewProcessor(n.rules, n.resolver, n.resolver, n.eventLog, n.subjects, func(ev events.RuleEvent) {
		if err := n.bus.PublishRuleEvent(ev); err != nil {
			n.logger.Warn("Failed to publish rule event", "rule_id", ev.RuleID, "error", err)
		}
	}, rules.ProcessorOptions{
		CampusID:      campus,
		SweepInterval: cfg.Rules.SweepInterval,
		HistoryLimit:  cfg.Rules.HistoryLimit,
	}, logger, m)

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	if err = n.triggers.Start(runCtx); err != nil {
		return nil, err
	}
	if err = n.wire(runCtx); err != nil {
		return nil, err
	}

	n.done = make(chan struct{})
	go func() {
		defer close(n.done)
		n.proc.Run(runCtx)
	}()
	go n.pruneEvents(runCtx)

	n.handler = api.NewRouter(api.Options{
		Samples:   n.server,
		Triggers:  n.triggers,
		Rules:     n.rules,
		Zones:     n.resolver,
		Subjects:  n.subjects,
		Relay:     n.server,
		History:   n.eventLog,
		WebSocket: http.HandlerFunc(n.server.HandleWebSocket),
		Metrics:   m.Handler(),
		Checks: map[string]api.HealthCheck{
			"database": n.db.Health,
			"bus":      n.bus.HealthCheck,
		},
		Role:    "control",
		Version: Version,
		Logger:  logger,
	})

	n.logger.Info("Control tier ready", "zones", len(n.triggers.Zones()), "rules", len(n.rules.Snapshot().Rules))
	return n, nil
}

// wire subscribes the engines to samples and the relay to their events.
// Each engine has its own queue group so it sees every sample once even
// when several control processes share a bus.
func (n *controlNode) wire(ctx context.Context) error {
	if err := n.bus.SubscribeSamples("triggers", n.triggers.Dispatch); err != nil {
		return err
	}
	if err := n.bus.SubscribeSamples("rules", func(s events.PositionSample) {
		n.proc.HandleSample(ctx, s)
	}); err != nil {
		return err
	}
	if err := n.bus.SubscribeTriggerEvents(n.server.PublishTriggerEvent); err != nil {
		return err
	}
	return n.bus.SubscribeRuleEvents(n.server.PublishRuleEvent)
}

func (n *controlNode) pruneEvents(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := n.eventLog.Prune(ctx, now.Add(-n.cfg.Rules.EventRetention))
			if err != nil {
				n.logger.Warn("Event log prune failed", "error", err)
				continue
			}
			if removed == 0 {
				continue
			}
			n.logger.Info("Pruned event log", "records", removed)
			if err := n.db.Checkpoint(ctx); err != nil {
				n.logger.Warn("WAL checkpoint failed", "error", err)
			}
		}
	}
}

// Handler serves the control tier HTTP surface
func (n *controlNode) Handler() http.Handler {
	return n.handler
}

// Close stops the engines, disconnects every peer and releases the bus and
// database. Safe on a partially built node.
func (n *controlNode) Close() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.triggers != nil {
		n.triggers.Stop()
	}
	if n.done != nil {
		<-n.done
	}
	if n.server != nil {
		n.server.Close()
	}
	if n.bus != nil {
		n.bus.Close()
	}
	if n.db != nil {
		_ = n.db.Close()
	}
}
