package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
)

// RealTime is the consumer-facing tier. It subscribes to everything on the
// control tier and redelivers each frame to its own consumers according to
// their subscriptions.
type RealTime struct {
	server   *Server
	upstream *Session
}

// NewRealTime creates the tier. Consumers may not push samples.
func NewRealTime(serverOpts ServerOptions, upstreamOpts SessionOptions, logger *slog.Logger, m *metrics.Metrics) *RealTime {
	serverOpts.Role = "realtime"
	serverOpts.AcceptSamples = false
	upstreamOpts.Role = "realtime"
	upstreamOpts.Params = []StreamParam{{ID: Wildcard, Data: "true"}}
	upstreamOpts.ZoneID = 0

	rt := &RealTime{server: NewServer(serverOpts, nil, logger, m)}
	rt.upstream = NewSession(upstreamOpts, rt.relay, logger, m)
	return rt
}

func (rt *RealTime) relay(f Frame) {
	switch f.Type {
	case TypeGISData, events.TypeTriggerEvent, events.TypeRuleEvent:
		rt.server.Deliver(f)
	}
}

// Handler serves consumer websocket connections
func (rt *RealTime) Handler() http.Handler {
	return http.HandlerFunc(rt.server.HandleWebSocket)
}

// Server returns the consumer-facing server
func (rt *RealTime) Server() *Server {
	return rt.server
}

// UpstreamState returns the state of the link to the control tier
func (rt *RealTime) UpstreamState() ConnState {
	return rt.upstream.State()
}

// Run keeps the upstream link up until ctx is cancelled, then disconnects
// every consumer
func (rt *RealTime) Run(ctx context.Context) error {
	err := rt.upstream.Run(ctx)
	rt.server.Close()
	return err
}
