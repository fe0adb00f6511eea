// Package bus carries samples from the Control tier to the trigger and rule
// engines, and their events back, over NATS. It runs an embedded NATS
// server unless an external URL is configured.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
)

// Subjects
const (
	SubjectPositions     = "rtls.positions"
	SubjectTriggerEvents = "rtls.events.trigger"
	SubjectRuleEvents    = "rtls.events.rule"
)

// Config configures the bus
type Config struct {
	// URL of an external NATS server. Empty starts an embedded one.
	URL string
	// Host and Port of the embedded server. Port -1 picks a free port.
	Host string
	Port int
	// ReadyTimeout bounds the embedded server start
	ReadyTimeout time.Duration
}

// Bus is a NATS connection plus, optionally, the embedded server behind it
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// New starts or connects to the bus
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{logger: logger.With("component", "bus")}

	url := cfg.URL
	if url == "" {
		ns, err := startEmbedded(cfg)
		if err != nil {
			return nil, err
		}
		b.server = ns
		url = ns.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("rtls"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("Bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("Bus reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		if b.server != nil {
			b.server.Shutdown()
		}
		return nil, errs.New(errs.Transport, "bus connect", err)
	}
	b.conn = nc

	b.logger.Info("Event bus started", "url", url, "embedded", b.server != nil)
	return b, nil
}

func startEmbedded(cfg Config) (*server.Server, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = server.RANDOM_PORT
	}
	ready := cfg.ReadyTimeout
	if ready <= 0 {
		ready = 2 * time.Second
	}

	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(ready) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after %s (port %d)", ready, port)
	}
	return ns, nil
}

// ClientURL returns the URL clients of this bus connect to
func (b *Bus) ClientURL() string {
	if b.server != nil {
		return b.server.ClientURL()
	}
	return b.conn.ConnectedUrl()
}

// token makes an id safe to use as one subject token
func token(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// PositionSubject is the subject samples of a device are published on
func PositionSubject(deviceID string) string {
	return SubjectPositions + "." + token(deviceID)
}

// TriggerEventSubject is the subject events of a zone are published on
func TriggerEventSubject(zoneID int64) string {
	return SubjectTriggerEvents + "." + strconv.FormatInt(zoneID, 10)
}

// RuleEventSubject is the subject events of a rule are published on
func RuleEventSubject(ruleID int64) string {
	return SubjectRuleEvents + "." + strconv.FormatInt(ruleID, 10)
}

func (b *Bus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return errs.New(errs.Transport, "publish "+subject, err)
	}
	return nil
}

// PublishSample publishes a sample accepted by the Control tier
func (b *Bus) PublishSample(sample events.PositionSample) error {
	return b.publish(PositionSubject(sample.DeviceID), sample)
}

// PublishTriggerEvent publishes a trigger event
func (b *Bus) PublishTriggerEvent(ev events.TriggerEvent) error {
	return b.publish(TriggerEventSubject(ev.ZoneID), ev)
}

// PublishRuleEvent publishes a rule event
func (b *Bus) PublishRuleEvent(ev events.RuleEvent) error {
	return b.publish(RuleEventSubject(ev.RuleID), ev)
}

// subscribe decodes every message on subject into T. With a queue group the
// messages are shared between members of the group.
func subscribe[T any](b *Bus, subject, queue string, fn func(T)) error {
	handler := func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			b.logger.Error("Failed to unmarshal message", "subject", msg.Subject, "error", err)
			return
		}
		fn(v)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = b.conn.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = b.conn.Subscribe(subject, handler)
	}
	if err != nil {
		return errs.New(errs.Transport, "subscribe "+subject, err)
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return nil
}

// SubscribeSamples delivers every published sample to fn. NATS keeps
// per-subscription order, so samples of one device arrive in publish order.
func (b *Bus) SubscribeSamples(queue string, fn func(events.PositionSample)) error {
	return subscribe(b, SubjectPositions+".>", queue, fn)
}

// SubscribeTriggerEvents delivers every trigger event to fn
func (b *Bus) SubscribeTriggerEvents(fn func(events.TriggerEvent)) error {
	return subscribe(b, SubjectTriggerEvents+".>", "", fn)
}

// SubscribeRuleEvents delivers every rule event to fn
func (b *Bus) SubscribeRuleEvents(fn func(events.RuleEvent)) error {
	return subscribe(b, SubjectRuleEvents+".>", "", fn)
}

// Flush waits until the server has processed everything published so far
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// HealthCheck verifies the connection is up
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errs.New(errs.Transport, "bus health", errors.New("NATS connection not active"))
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return errs.New(errs.Transport, "bus health", err)
	}
	return nil
}

// Close flushes pending publishes, unsubscribes and stops the embedded
// server
func (b *Bus) Close() {
	_ = b.conn.FlushTimeout(time.Second)

	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	b.conn.Close()
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
	b.logger.Info("Event bus stopped")
}
