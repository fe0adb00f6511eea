package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
)

// Bridge forwards samples from a vendor feed to the control tier over a
// single session. Samples arriving while the link is down are dropped.
type Bridge struct {
	session *Session
	logger  *slog.Logger
}

// NewBridge creates a bridge. The session sends an empty BeginStream: a
// bridge only pushes.
func NewBridge(opts SessionOptions, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	if opts.Role == "" {
		opts.Role = "bridge"
	}
	opts.Params = nil
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		session: NewSession(opts, nil, logger, m),
		logger:  logger.With("component", "bridge"),
	}
}

// Forward sends one sample upstream, reporting whether it was queued
func (b *Bridge) Forward(sample events.PositionSample) bool {
	data, err := json.Marshal(GISFromSample(sample))
	if err != nil {
		b.logger.Error("Failed to encode sample", "device_id", sample.DeviceID, "error", err)
		return false
	}
	if !b.session.Send(data) {
		b.logger.Debug("Sample dropped", "device_id", sample.DeviceID, "state", b.session.State().String())
		return false
	}
	return true
}

// State returns the state of the upstream link
func (b *Bridge) State() ConnState {
	return b.session.State()
}

// Run keeps the upstream link up until ctx is cancelled
func (b *Bridge) Run(ctx context.Context) error {
	return b.session.Run(ctx)
}
