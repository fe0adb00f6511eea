package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
)

// MQTTSource subscribes to a vendor gateway topic
type MQTTSource struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
}

// NewMQTTSource creates an MQTT source
func NewMQTTSource(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{
		cfg:    cfg,
		logger: logger.With("component", "feed_mqtt", "broker", cfg.Broker, "topic", cfg.Topic),
	}
}

func (m *MQTTSource) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
	}
	if m.cfg.Password != "" {
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("MQTT connection lost", "error", err)
	})
	return opts
}

// Run connects, subscribes and forwards samples until ctx is cancelled.
// The subscription is renewed on every reconnect.
func (m *MQTTSource) Run(ctx context.Context, sink Sink) error {
	opts := m.options()
	subscribe := func(c mqtt.Client) {
		token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			m.handle(msg.Topic(), msg.Payload(), sink)
		})
		if token.Wait() && token.Error() != nil {
			m.logger.Error("MQTT subscribe failed", "error", token.Error())
			return
		}
		m.logger.Info("MQTT subscribed")
	}
	opts.SetOnConnectHandler(subscribe)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return errs.New(errs.Transport, "mqtt connect", fmt.Errorf("failed to connect to MQTT broker: %w", token.Error()))
	}

	<-ctx.Done()
	client.Disconnect(250)
	m.logger.Info("MQTT source stopped")
	return nil
}

// handle decodes one message. Entries without a gateway id take it from the
// topic.
func (m *MQTTSource) handle(topic string, payload []byte, sink Sink) int {
	samples, err := Decode(payload)
	if err != nil {
		m.logger.Warn("Discarding bad payload entries", "topic", topic, "error", err)
	}
	gw := gatewayFromTopic(topic)
	for _, s := range samples {
		if s.GatewayID == "" {
			s.GatewayID = gw
		}
		sink(s)
	}
	return len(samples)
}
