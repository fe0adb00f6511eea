package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
)

const (
	maxFrameSize = 64 * 1024
	writeWait    = 10 * time.Second
)

// peer is one accepted relay link
type peer struct {
	id     string
	server *Server
	conn   *websocket.Conn

	// send carries data frames and may drop; control carries responses and
	// heartbeats and is drained first
	send    chan []byte
	control chan []byte
	done    chan struct{}
	once    sync.Once

	streaming atomic.Bool

	mu       sync.Mutex
	pending  map[int64]struct{}
	lastEcho time.Time
}

func newPeer(id string, s *Server, conn *websocket.Conn) *peer {
	return &peer{
		id:      id,
		server:  s,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendBuffer),
		control: make(chan []byte, 16),
		done:    make(chan struct{}),
		pending: make(map[int64]struct{}),
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = p.conn.Close()
	})
}

func (p *peer) queueControl(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.server.logger.Error("Failed to encode control frame", "peer_id", p.id, "error", err)
		return
	}
	select {
	case p.control <- data:
	case <-p.done:
	}
}

// readPump handles inbound frames until the link fails. A peer must send
// BeginStream within the handshake timeout and then keep echoing heartbeats.
func (p *peer) readPump() {
	s := p.server
	defer func() {
		s.unregister(p)
		p.close()
	}()

	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Relay read error", "peer_id", p.id, "error", errs.New(errs.Transport, "read", err))
			}
			return
		}
		if p.streaming.Load() {
			_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout + s.opts.HeartbeatInterval))
		}

		if err := p.handle(data); err != nil {
			s.logger.Warn("Dropping relay peer", "peer_id", p.id, "error", err)
			return
		}
	}
}

func (p *peer) handle(data []byte) error {
	s := p.server
	h, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.FramesReceived.WithLabelValues(s.opts.Role, h.Type).Inc()
	}

	switch h.Type {
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return errs.New(errs.Protocol, "decode request", err)
		}
		p.handleRequest(req)

	case TypeHeartBeat:
		var hb HeartBeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return errs.New(errs.Protocol, "decode heartbeat", err)
		}
		p.echoed(hb.TS)

	case TypeGISData:
		if !p.streaming.Load() {
			return errs.Newf(errs.Protocol, "GISData", "frame before BeginStream")
		}
		if !s.opts.AcceptSamples {
			s.logger.Debug("Ignoring sample from receive-only peer", "peer_id", p.id)
			return nil
		}
		var g GISData
		if err := json.Unmarshal(data, &g); err != nil {
			return errs.New(errs.Protocol, "decode GISData", err)
		}
		sample, err := g.Sample()
		if err != nil {
			// one bad sample does not cost the link
			s.logger.Warn("Discarding invalid sample", "peer_id", p.id, "error", err)
			return nil
		}
		s.accept(sample)

	default:
		s.logger.Debug("Ignoring frame", "peer_id", p.id, "type", h.Type)
	}
	return nil
}

func (p *peer) handleRequest(req Request) {
	s := p.server
	switch req.Request {
	case RequestBeginStream:
		sub := s.registry.Begin(p.id, req.Params, req.ZoneID)
		p.mu.Lock()
		p.lastEcho = time.Now()
		p.mu.Unlock()
		p.streaming.Store(true)
		_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout + s.opts.HeartbeatInterval))

		if s.metrics != nil {
			s.metrics.Subscriptions.WithLabelValues(s.opts.Role).Set(float64(s.registry.Len()))
		}
		s.logger.Info("Stream started", "peer_id", p.id, "devices", len(sub.Devices), "all", sub.All, "zone_id", sub.ZoneID)
		p.queueControl(NewResponse(ResponseBeginStream, req.ReqID, ""))

	case RequestEndStream:
		s.registry.End(p.id)
		p.streaming.Store(false)
		if s.metrics != nil {
			s.metrics.Subscriptions.WithLabelValues(s.opts.Role).Set(float64(s.registry.Len()))
		}
		s.logger.Info("Stream ended", "peer_id", p.id)
		p.queueControl(NewResponse(ResponseEndStream, req.ReqID, ""))

	default:
		p.queueControl(NewResponse(req.Request, req.ReqID, "unknown request"))
	}
}

// echoed records a heartbeat echo. Only timestamps this peer was sent count.
func (p *peer) echoed(ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[ts]; !ok {
		p.server.logger.Debug("Unexpected heartbeat echo", "peer_id", p.id, "ts", ts)
		return
	}
	for k := range p.pending {
		if k <= ts {
			delete(p.pending, k)
		}
	}
	p.lastEcho = time.Now()
}

// heartbeat sends the next heartbeat, or reports that the peer missed the
// echo window
func (p *peer) heartbeat(now time.Time) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastEcho) > p.server.opts.HeartbeatTimeout {
		return nil, errors.New("heartbeat not echoed")
	}
	hb := NewHeartBeat(now)
	data, err := json.Marshal(hb)
	if err != nil {
		return nil, err
	}
	p.pending[hb.TS] = struct{}{}
	return data, nil
}

// writePump serialises every write to the connection
func (p *peer) writePump() {
	s := p.server
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	write := func(data []byte) bool {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("Relay write failed", "peer_id", p.id, "error", err)
			return false
		}
		return true
	}

	for {
		// responses and heartbeats go ahead of queued data
		select {
		case data := <-p.control:
			if !write(data) {
				return
			}
			continue
		default:
		}

		select {
		case <-p.done:
			return

		case data := <-p.control:
			if !write(data) {
				return
			}

		case data := <-p.send:
			if !write(data) {
				return
			}

		case now := <-ticker.C:
			if !p.streaming.Load() {
				continue
			}
			data, err := p.heartbeat(now)
			if err != nil {
				if s.metrics != nil {
					s.metrics.FramesDropped.WithLabelValues(s.opts.Role, "heartbeat_timeout").Inc()
				}
				s.logger.Warn("Heartbeat timeout, closing peer", "peer_id", p.id, "timeout", s.opts.HeartbeatTimeout)
				return
			}
			if !write(data) {
				return
			}
		}
	}
}
