// Package rules is the temporal rule engine. Rules are loaded in bulk into a
// versioned snapshot, evaluated against resolved zone state and the event log,
// and emitted as RuleEvents when they trigger.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
	"github.com/Spatial-NVR/SpatialRTLS/internal/subjects"
)

// Type selects the evaluator of a rule
type Type string

const (
	ZoneStay           Type = "zone_stay"
	ZoneTransition     Type = "zone_transition"
	ProximityCondition Type = "proximity_condition"
	LayeredTrigger     Type = "layered_trigger"
)

// ZoneRef is a zone token from rule conditions. Stored conditions write zones
// either as numbers or as strings ("outside", "virtual_1_inside", "12").
type ZoneRef string

// UnmarshalJSON accepts a JSON number or string
func (z *ZoneRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*z = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*z = ZoneRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("zone must be a number or string: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("zone id %s is not an integer", n)
	}
	*z = ZoneRef(n.String())
	return nil
}

// Conditions is the JSON body of a stored rule
type Conditions struct {
	RuleType          Type    `json:"rule_type"`
	SubjectID         string  `json:"subject_id"`
	Zone              ZoneRef `json:"zone,omitempty"`
	FromZone          ZoneRef `json:"from_zone,omitempty"`
	ToZone            ZoneRef `json:"to_zone,omitempty"`
	DurationSec       int     `json:"duration_sec,omitempty"`
	ProximityTarget   string  `json:"proximity_target,omitempty"`
	ProximityDistance float64 `json:"proximity_distance,omitempty"`
	ExcludeParentZone ZoneRef `json:"exclude_parent_zone,omitempty"`
}

// Rule is a parsed, validated rule ready for evaluation
type Rule struct {
	ID         int64
	Name       string
	Enabled    bool
	Priority   int
	Conditions Conditions
	Subject    subjects.Subject
	// Proximity is the parsed ProximityTarget of proximity rules
	Proximity subjects.Subject
}

// Type returns the rule's type
func (r Rule) Type() Type {
	return r.Conditions.RuleType
}

// Parse builds a Rule from its stored form
func Parse(rec store.Rule) (Rule, error) {
	rule := Rule{
		ID:       rec.ID,
		Name:     rec.Name,
		Enabled:  rec.IsEnabled,
		Priority: rec.Priority,
	}
	if len(rec.Conditions) == 0 {
		return Rule{}, fmt.Errorf("rule %d has no conditions", rec.ID)
	}
	if err := json.Unmarshal(rec.Conditions, &rule.Conditions); err != nil {
		return Rule{}, fmt.Errorf("rule %d: invalid conditions: %w", rec.ID, err)
	}
	if err := rule.validate(); err != nil {
		return Rule{}, fmt.Errorf("rule %d: %w", rec.ID, err)
	}
	return rule, nil
}

func (r *Rule) validate() error {
	c := &r.Conditions
	c.RuleType = Type(strings.ToLower(strings.TrimSpace(string(c.RuleType))))

	subject, err := subjects.Parse(c.SubjectID)
	if err != nil {
		return err
	}
	r.Subject = subject

	switch c.RuleType {
	case ZoneStay:
		if c.Zone == "" {
			return fmt.Errorf("zone_stay requires zone")
		}
		if c.DurationSec <= 0 {
			return fmt.Errorf("zone_stay requires a positive duration_sec")
		}
	case ZoneTransition:
		if c.ToZone == "" {
			return fmt.Errorf("zone_transition requires to_zone")
		}
	case ProximityCondition:
		if c.ToZone == "" && c.Zone == "" {
			return fmt.Errorf("proximity_condition requires to_zone")
		}
		target, err := subjects.Parse(c.ProximityTarget)
		if err != nil {
			return fmt.Errorf("proximity_target: %w", err)
		}
		r.Proximity = target
	case LayeredTrigger:
	default:
		return fmt.Errorf("unknown rule_type %q", c.RuleType)
	}
	return nil
}

// transitionZone is the zone a transition-style rule completes in
func (c Conditions) transitionZone() ZoneRef {
	if c.ToZone != "" {
		return c.ToZone
	}
	return c.Zone
}
