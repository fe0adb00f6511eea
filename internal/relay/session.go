package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
)

// SessionOptions configures the dialing side of a relay link
type SessionOptions struct {
	URL              string
	Role             string
	HandshakeTimeout time.Duration
	HeartbeatTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	SendBuffer       int
	// Params and ZoneID are sent with BeginStream
	Params []StreamParam
	ZoneID int64
}

func (o *SessionOptions) setDefaults() {
	if o.Role == "" {
		o.Role = "bridge"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// FrameHandler receives every non-protocol frame read from upstream
type FrameHandler func(f Frame)

// Session holds one authoritative link to an upstream relay server. It
// reconnects with backoff forever and never buffers across a disconnect.
type Session struct {
	opts    SessionOptions
	handler FrameHandler
	logger  *slog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	state atomic.Int32
	// sleep waits out a backoff delay; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	out     chan []byte
	dropped int
}

// NewSession creates a session. handler and m may be nil.
func NewSession(opts SessionOptions, handler FrameHandler, logger *slog.Logger, m *metrics.Metrics) *Session {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = func(Frame) {}
	}
	return &Session{
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "relay_session", "role", opts.Role, "url", opts.URL),
		metrics: m,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current link state
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Session) setState(st ConnState) {
	prev := ConnState(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("Link state changed", "from", prev.String(), "to", st.String())
	}
}

// Send queues data for upstream. While the link is not streaming, or when
// the queue is full, the data is dropped and false is returned.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil || s.State() != Streaming {
		s.drop("disconnected")
		return false
	}
	select {
	case s.out <- data:
		return true
	default:
		s.drop("buffer_full")
		return false
	}
}

// drop must be called with mu held
func (s *Session) drop(reason string) {
	s.dropped++
	if s.metrics != nil {
		s.metrics.FramesDropped.WithLabelValues(s.opts.Role, reason).Inc()
	}
}

// Run keeps the link up until ctx is cancelled, then ends the stream
// cleanly if it is streaming
func (s *Session) Run(ctx context.Context) error {
	backoff := NewBackoff(s.opts.BackoffInitial, s.opts.BackoffMax)

	for {
		streamed, err := s.connect(ctx)
		s.setState(Disconnected)

		if ctx.Err() != nil {
			return nil
		}
		if streamed {
			backoff.Reset()
		}

		delay := backoff.Next()
		s.logger.Warn("Relay link down, reconnecting", "error", err, "kind", errs.KindOf(err).String(), "retry_in", delay)
		if s.metrics != nil {
			s.metrics.Reconnects.WithLabelValues(s.opts.Role).Inc()
		}
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// connect runs one link from dial to teardown. It reports whether the link
// reached Streaming.
func (s *Session) connect(ctx context.Context) (bool, error) {
	s.setState(Connecting)
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.opts.URL, nil)
	cancel()
	if err != nil {
		return false, errs.New(errs.Transport, "dial", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	s.setState(Handshaking)
	if err := s.handshake(conn); err != nil {
		return false, err
	}

	out := make(chan []byte, s.opts.SendBuffer)
	s.mu.Lock()
	s.out = out
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	s.setState(Streaming)
	if s.metrics != nil {
		s.metrics.Connections.WithLabelValues(s.opts.Role).Set(1)
	}
	s.logger.Info("Relay link streaming", "dropped_while_down", dropped)

	err = s.stream(ctx, conn, out)

	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Connections.WithLabelValues(s.opts.Role).Set(0)
	}
	return true, err
}

// handshake sends BeginStream and waits for an empty-message BgnStrm
func (s *Session) handshake(conn *websocket.Conn) error {
	reqID := uuid.New().String()
	deadline := time.Now().Add(s.opts.HandshakeTimeout)

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(NewBeginStream(reqID, s.opts.Params, s.opts.ZoneID)); err != nil {
		return errs.New(errs.Transport, "send BeginStream", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errs.New(errs.Transport, "await BgnStrm", err)
		}
		h, err := decodeHeader(data)
		if err != nil {
			return err
		}
		if h.Type == TypeHeartBeat {
			_ = conn.WriteMessage(websocket.TextMessage, data)
			continue
		}
		if h.Type != TypeResponse {
			return errs.Newf(errs.Protocol, "handshake", "unexpected %s frame", h.Type)
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return errs.New(errs.Protocol, "decode BgnStrm", err)
		}
		if resp.Request != ResponseBeginStream || resp.ReqID != reqID {
			return errs.Newf(errs.Protocol, "handshake", "unexpected response %s/%s", resp.Request, resp.ReqID)
		}
		if resp.Msg != "" {
			return errs.Newf(errs.Protocol, "handshake", "BeginStream rejected: %s", resp.Msg)
		}
		return nil
	}
}

// stream pumps frames both ways until the link fails or ctx ends
func (s *Session) stream(ctx context.Context, conn *websocket.Conn, out chan []byte) error {
	echo := make(chan []byte, 16)
	readErr := make(chan error, 1)
	endReq := uuid.New().String()
	ended := make(chan struct{})

	go func() {
		readErr <- s.readLoop(conn, echo, endReq, ended)
	}()

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return errs.New(errs.Transport, "write", err)
		}
		return nil
	}

	for {
		select {
		case data := <-echo:
			if err := write(data); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case err := <-readErr:
			return err

		case data := <-echo:
			if err := write(data); err != nil {
				return err
			}

		case data := <-out:
			if err := write(data); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.FramesSent.WithLabelValues(s.opts.Role, TypeGISData).Inc()
			}

		case <-ctx.Done():
			return s.drain(conn, endReq, ended, readErr)
		}
	}
}

// drain ends the stream: EndStream, wait for EndStrm, then close
func (s *Session) drain(conn *websocket.Conn, endReq string, ended <-chan struct{}, readErr <-chan error) error {
	s.setState(Draining)
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()

	data, _ := json.Marshal(NewEndStream(endReq))
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.New(errs.Transport, "send EndStream", err)
	}

	select {
	case <-ended:
		s.logger.Info("Relay stream ended")
	case err := <-readErr:
		return err
	case <-time.After(s.opts.HandshakeTimeout):
		s.logger.Warn("No EndStrm response, closing")
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return nil
}

// readLoop echoes heartbeats, spots the EndStrm response and hands every
// other frame to the handler. A silent upstream is dead after the heartbeat
// timeout.
func (s *Session) readLoop(conn *websocket.Conn, echo chan<- []byte, endReq string, ended chan<- struct{}) error {
	endSeen := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.HeartbeatTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return errs.New(errs.Transport, "read", fmt.Errorf("no frames for %s", s.opts.HeartbeatTimeout))
			}
			return errs.New(errs.Transport, "read", err)
		}

		f, err := DecodeFrame(data)
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.FramesReceived.WithLabelValues(s.opts.Role, f.Type).Inc()
		}

		switch f.Type {
		case TypeHeartBeat:
			select {
			case echo <- data:
			default:
				s.logger.Warn("Heartbeat echo queue full")
			}
		case TypeResponse:
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				return errs.New(errs.Protocol, "decode response", err)
			}
			if resp.Request == ResponseEndStream && resp.ReqID == endReq && !endSeen {
				endSeen = true
				close(ended)
				// keep reading until the close handshake completes
				continue
			}
			s.logger.Debug("Ignoring response", "request", resp.Request)
		default:
			s.handler(f)
		}
	}
}
