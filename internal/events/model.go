// Package events defines the records that flow through the RTLS pipeline
// (position samples, trigger and rule events) and the event log that temporal
// rules query for zone history.
package events

import (
	"encoding/json"
	"time"
)

// PositionSample is a single position report from a tag. Samples are
// immutable once produced by a bridge.
type PositionSample struct {
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"`
	X              float64   `json:"x"`
	Y              float64   `json:"y"`
	Z              float64   `json:"z"`
	Confidence     float64   `json:"confidence"`
	GatewayID      string    `json:"gateway_id,omitempty"`
	BatteryLevel   int       `json:"battery_level"`
	SequenceNumber int64     `json:"sequence_number"`
	// ZoneID is the zone reported alongside the sample, 0 when unknown
	ZoneID int64 `json:"zone_id,omitempty"`
}

// Frame types of emitted events
const (
	TypeTriggerEvent = "TriggerEvent"
	TypeRuleEvent    = "RuleEvent"
)

// TriggerEvent is emitted when a tag satisfies a trigger's direction
type TriggerEvent struct {
	Type        string    `json:"type"`
	TriggerID   int64     `json:"trigger_id"`
	TriggerName string    `json:"trigger_name"`
	TagID       string    `json:"tag_id"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	ZoneID      int64     `json:"zone_id"`
	Direction   string    `json:"direction"`
	Timestamp   time.Time `json:"timestamp"`
}

// RuleEvent is emitted when a temporal rule evaluates to triggered
type RuleEvent struct {
	Type      string         `json:"type"`
	RuleID    int64          `json:"rule_id"`
	RuleName  string         `json:"rule_name"`
	RuleType  string         `json:"rule_type"`
	TagID     string         `json:"tag_id"`
	ZoneID    int64          `json:"zone_id"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Kind is the kind of an event log record
type Kind string

const (
	KindZoneEntry     Kind = "ZoneEntry"
	KindZoneExit      Kind = "ZoneExit"
	KindRuleTriggered Kind = "RuleTriggered"
)

// Record is one entry of the per-subject event log
type Record struct {
	ID        string          `json:"id"`
	SubjectID string          `json:"subject_id"`
	Kind      Kind            `json:"kind"`
	ZoneID    int64           `json:"zone_id"`
	RuleID    int64           `json:"rule_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// QueryOptions filters event log queries
type QueryOptions struct {
	Kinds  []Kind
	Since  time.Time
	ZoneID int64
	RuleID int64
	Limit  int
}
