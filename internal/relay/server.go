package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
)

// ServerOptions configures the accepting side of relay links
type ServerOptions struct {
	// Role labels logs and metrics: "control" or "realtime"
	Role              string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	// AcceptSamples lets peers push GISData frames into the fan-out
	AcceptSamples bool
	// LocateZone fills in the zone of accepted samples that arrive without
	// one, so zone-scoped subscribers receive them
	LocateZone func(events.PositionSample) int64
}

func (o *ServerOptions) setDefaults() {
	if o.Role == "" {
		o.Role = "control"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// SampleHook observes every sample accepted into the fan-out
type SampleHook func(events.PositionSample)

// Server accepts relay links, holds their subscriptions and fans frames out
// to every peer whose subscription covers them.
type Server struct {
	opts     ServerOptions
	onSample SampleHook
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	peers  map[string]*peer
	closed bool
}

// NewServer creates a server. onSample and m may be nil.
func NewServer(opts ServerOptions, onSample SampleHook, logger *slog.Logger, m *metrics.Metrics) *Server {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		onSample: onSample,
		registry: NewRegistry(),
		logger:   logger.With("component", "relay_server", "role", opts.Role),
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
}

// Role returns the server's role name
func (s *Server) Role() string {
	return s.opts.Role
}

// HandleWebSocket upgrades a connection and serves it as a relay peer
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	p := newPeer(uuid.New().String(), s, conn)
	if !s.register(p) {
		p.close()
		return
	}

	go p.writePump()
	go p.readPump()
}

func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p.id] = p
	if s.metrics != nil {
		s.metrics.Connections.WithLabelValues(s.opts.Role).Inc()
	}
	s.logger.Debug("Peer connected", "peer_id", p.id, "remote", p.conn.RemoteAddr().String(), "peers", len(s.peers))
	return true
}

// unregister drops a peer and its subscription
func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.registry.End(p.id)
	if s.metrics != nil {
		s.metrics.Connections.WithLabelValues(s.opts.Role).Dec()
		s.metrics.Subscriptions.WithLabelValues(s.opts.Role).Set(float64(s.registry.Len()))
	}
	s.logger.Debug("Peer disconnected", "peer_id", p.id)
}

// Deliver sends a frame to every covering peer without blocking. A peer
// whose buffer is full misses the frame. It returns the number of peers the
// frame was queued for.
func (s *Server) Deliver(f Frame) int {
	ids := s.registry.Match(f.DeviceID, f.ZoneID)
	if len(ids) == 0 {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, id := range ids {
		p, ok := s.peers[id]
		if !ok {
			continue
		}
		select {
		case p.send <- f.Data:
			n++
			if s.metrics != nil {
				s.metrics.FramesSent.WithLabelValues(s.opts.Role, f.Type).Inc()
			}
		default:
			if s.metrics != nil {
				s.metrics.FramesDropped.WithLabelValues(s.opts.Role, "buffer_full").Inc()
			}
			s.logger.Warn("Peer buffer full, dropping frame", "peer_id", id, "type", f.Type, "device_id", f.DeviceID)
		}
	}
	return n
}

// PublishSample fans a sample out to subscribers
func (s *Server) PublishSample(sample events.PositionSample) {
	f, err := EncodeSample(sample)
	if err != nil {
		s.logger.Error("Failed to encode sample", "device_id", sample.DeviceID, "error", err)
		return
	}
	s.Deliver(f)
}

// PublishTriggerEvent fans a trigger event out to subscribers
func (s *Server) PublishTriggerEvent(ev events.TriggerEvent) {
	f, err := EncodeTriggerEvent(ev)
	if err != nil {
		s.logger.Error("Failed to encode trigger event", "trigger_id", ev.TriggerID, "error", err)
		return
	}
	s.Deliver(f)
}

// PublishRuleEvent fans a rule event out to subscribers
func (s *Server) PublishRuleEvent(ev events.RuleEvent) {
	f, err := EncodeRuleEvent(ev)
	if err != nil {
		s.logger.Error("Failed to encode rule event", "rule_id", ev.RuleID, "error", err)
		return
	}
	s.Deliver(f)
}

// Inject accepts one sample outside any streaming link. It takes the same
// path as a GISData frame received from a bridge.
func (s *Server) Inject(sample events.PositionSample) {
	if s.metrics != nil {
		s.metrics.FramesReceived.WithLabelValues(s.opts.Role, "push").Inc()
	}
	s.accept(sample)
}

func (s *Server) accept(sample events.PositionSample) {
	if sample.ZoneID <= 0 && s.opts.LocateZone != nil {
		sample.ZoneID = s.opts.LocateZone(sample)
	}
	s.PublishSample(sample)
	if s.onSample != nil {
		s.onSample(sample)
	}
}

// Subscriptions returns the registry snapshot
func (s *Server) Subscriptions() []Subscription {
	return s.registry.Snapshot()
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Close disconnects every peer and refuses new ones
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	s.logger.Info("Relay server closed", "peers", len(peers))
}
