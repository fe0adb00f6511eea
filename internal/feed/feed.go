// Package feed adapts vendor position feeds into samples for the bridge.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
)

// Sink receives every decoded sample
type Sink func(events.PositionSample)

// Source produces samples until ctx is cancelled or the feed ends
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Decode turns one vendor payload into samples. A payload is a single
// GISData object or an array of them. Bad entries of an array are skipped
// and reported in the returned error alongside the good ones.
func Decode(payload []byte) ([]events.PositionSample, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errs.Newf(errs.Protocol, "decode payload", "empty payload")
	}

	var frames []relay.GISData
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &frames); err != nil {
			return nil, errs.New(errs.Protocol, "decode payload", err)
		}
	} else {
		var g relay.GISData
		if err := json.Unmarshal(payload, &g); err != nil {
			return nil, errs.New(errs.Protocol, "decode payload", err)
		}
		frames = append(frames, g)
	}

	samples := make([]events.PositionSample, 0, len(frames))
	var bad []error
	for i, g := range frames {
		s, err := g.Sample()
		if err != nil {
			bad = append(bad, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		samples = append(samples, s)
	}
	return samples, errors.Join(bad...)
}

// gatewayFromTopic returns the segment after "gateway" in a topic such as
// rtls/gateway/GW7/positions
func gatewayFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "gateway" {
			return parts[i+1]
		}
	}
	return ""
}

// New builds the source selected by cfg
func New(cfg config.BridgeConfig, logger *slog.Logger) (Source, error) {
	switch strings.ToLower(cfg.Source) {
	case "mqtt":
		return NewMQTTSource(cfg.MQTT, logger), nil
	case "jsonl":
		if cfg.JSONLPath == "" {
			return nil, fmt.Errorf("bridge.jsonl_path is required for the jsonl source")
		}
		return NewJSONLSource(cfg.JSONLPath, logger), nil
	default:
		return nil, fmt.Errorf("unknown bridge source %q", cfg.Source)
	}
}
