package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/subjects"
	"github.com/Spatial-NVR/SpatialRTLS/internal/zones"
)

// Evaluation statuses
const (
	StatusError          = "ERROR"
	StatusNotImplemented = "NOT_IMPLEMENTED"
	StatusNotInZone      = "NOT_IN_ZONE"
	StatusNoHistory      = "NO_HISTORY"
	StatusDwelling       = "DWELLING"
	StatusExcluded       = "EXCLUDED"
	StatusDwellExceeded  = "DWELL_EXCEEDED"
	StatusTransitioned   = "TRANSITIONED"
	StatusNotNear        = "NOT_NEAR"
	StatusNear           = "NEAR"
)

// Result is the outcome of one rule evaluation
type Result struct {
	Triggered bool
	Status    string
	Details   map[string]any
}

func errorResult(err error) Result {
	return Result{Status: StatusError, Details: map[string]any{"error": err.Error()}}
}

// ZoneMatcher decides whether a resolved zone satisfies a rule's zone token
type ZoneMatcher interface {
	ResolveVirtualZone(token string, campusID int64) (zones.Target, error)
	Matches(ctx context.Context, target zones.Target, currentZone int64) (bool, error)
}

// History is the event log as seen by the evaluator
type History interface {
	QueryBySubject(ctx context.Context, subjectID string, opts events.QueryOptions) ([]*events.Record, error)
	Latest(ctx context.Context, subjectID string, kinds ...events.Kind) (*events.Record, error)
}

// SubjectResolver expands subjects to concrete devices
type SubjectResolver interface {
	Resolve(s subjects.Subject) []string
	Matches(s subjects.Subject, deviceID string) bool
}

// Evaluator evaluates single rules. It holds no state between calls: every
// evaluation recomputes from the current zone and the event log.
type Evaluator struct {
	zones        ZoneMatcher
	history      History
	subjects     SubjectResolver
	campusID     int64
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// NewEvaluator creates an evaluator. historyLimit bounds how many zone
// entries a dwell computation looks back over.
func NewEvaluator(zm ZoneMatcher, history History, sr SubjectResolver, campusID int64, historyLimit int, logger *slog.Logger) *Evaluator {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		zones:        zm,
		history:      history,
		subjects:     sr,
		campusID:     campusID,
		historyLimit: historyLimit,
		logger:       logger.With("component", "rule_evaluator"),
		now:          time.Now,
	}
}

// EvaluateRule evaluates rule for deviceID currently resolved to currentZone.
// The sample's timestamp is the evaluation time; with a nil sample the
// current time is used. Failures never escape: they
// are reported as an untriggered result with status ERROR.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule Rule, deviceID string, currentZone int64, sample *events.PositionSample) Result {
	at := e.now()
	if sample != nil && !sample.Timestamp.IsZero() {
		at = sample.Timestamp
	}

	var (
		res Result
		err error
	)
	switch rule.Type() {
	case ZoneStay:
		res, err = e.zoneStay(ctx, rule, deviceID, currentZone, at)
	case ZoneTransition:
		res, err = e.zoneTransition(ctx, rule, currentZone)
	case ProximityCondition:
		res, err = e.proximity(ctx, rule, deviceID, currentZone)
	case LayeredTrigger:
		res = Result{Status: StatusNotImplemented}
	default:
		err = errs.Newf(errs.RuleEvaluation, "evaluate", "unknown rule_type %q", rule.Type())
	}

	if err != nil {
		if !errs.Is(err, errs.RuleEvaluation) {
			err = errs.New(errs.RuleEvaluation, fmt.Sprintf("rule %d", rule.ID), err)
		}
		e.logger.Warn("Rule evaluation failed", "rule_id", rule.ID, "device_id", deviceID, "zone_id", currentZone, "error", err)
		return errorResult(err)
	}
	return res
}

func (e *Evaluator) target(token ZoneRef) (zones.Target, error) {
	return e.zones.ResolveVirtualZone(string(token), e.campusID)
}

func (e *Evaluator) matches(ctx context.Context, token ZoneRef, zoneID int64) (bool, zones.Target, error) {
	target, err := e.target(token)
	if err != nil {
		return false, target, err
	}
	ok, err := e.zones.Matches(ctx, target, zoneID)
	if err != nil {
		return false, target, errs.New(errs.Resolution, "match zone "+target.String(), err)
	}
	return ok, target, nil
}

// zoneStay triggers once the device has stayed in the target zone for
// DurationSec without entering the excluded zone since the stay began. The
// stay begins at the oldest of the device's most recent run of zone entries
// that all match the target, so moving between rooms of a building keeps an
// "inside" stay going.
func (e *Evaluator) zoneStay(ctx context.Context, rule Rule, deviceID string, currentZone int64, at time.Time) (Result, error) {
	c := rule.Conditions
	if currentZone <= 0 {
		return Result{}, fmt.Errorf("no current zone for %s", deviceID)
	}

	in, target, err := e.matches(ctx, c.Zone, currentZone)
	if err != nil {
		return Result{}, err
	}
	details := map[string]any{"zone": target.String(), "current_zone_id": currentZone}
	if !in {
		return Result{Status: StatusNotInZone, Details: details}, nil
	}

	entries, err := e.history.QueryBySubject(ctx, deviceID, events.QueryOptions{
		Kinds: []events.Kind{events.KindZoneEntry},
		Limit: e.historyLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to query history: %w", err)
	}

	var exclude *zones.Target
	if c.ExcludeParentZone != "" {
		t, err := e.target(c.ExcludeParentZone)
		if err != nil {
			return Result{}, err
		}
		exclude = &t
		details["exclude_parent_zone"] = t.String()
	}

	var start time.Time
	excluded := false
	for _, rec := range entries {
		ok, err := e.zones.Matches(ctx, target, rec.ZoneID)
		if err != nil {
			return Result{}, errs.New(errs.Resolution, "match history", err)
		}
		if !ok {
			break
		}
		start = rec.Timestamp
		if exclude != nil {
			hit, err := e.zones.Matches(ctx, *exclude, rec.ZoneID)
			if err != nil {
				return Result{}, errs.New(errs.Resolution, "match excluded zone", err)
			}
			excluded = excluded || hit
		}
	}
	if start.IsZero() {
		return Result{Status: StatusNoHistory, Details: details}, nil
	}

	elapsed := at.Sub(start)
	details["entered_at"] = start.UTC().Format(time.RFC3339)
	details["elapsed_sec"] = int64(elapsed / time.Second)
	details["duration_sec"] = c.DurationSec

	switch {
	case excluded:
		return Result{Status: StatusExcluded, Details: details}, nil
	case elapsed < time.Duration(c.DurationSec)*time.Second:
		return Result{Status: StatusDwelling, Details: details}, nil
	}

	status := StatusDwellExceeded
	if target.IsSemantic() {
		status = strings.ToUpper(string(target.Semantic))
	}
	return Result{Triggered: true, Status: status, Details: details}, nil
}

// zoneTransition triggers whenever the current zone satisfies to_zone
func (e *Evaluator) zoneTransition(ctx context.Context, rule Rule, currentZone int64) (Result, error) {
	c := rule.Conditions
	if currentZone <= 0 {
		return Result{}, fmt.Errorf("no current zone")
	}
	in, target, err := e.matches(ctx, c.ToZone, currentZone)
	if err != nil {
		return Result{}, err
	}
	details := map[string]any{"to_zone": target.String(), "current_zone_id": currentZone}
	if c.FromZone != "" {
		details["from_zone"] = string(c.FromZone)
	}
	if !in {
		return Result{Status: StatusNotInZone, Details: details}, nil
	}
	return Result{Triggered: true, Status: StatusTransitioned, Details: details}, nil
}

// proximity composes the transition check with same-zone proximity: some
// device of the proximity target must be logged in exactly the current zone.
func (e *Evaluator) proximity(ctx context.Context, rule Rule, deviceID string, currentZone int64) (Result, error) {
	c := rule.Conditions
	if currentZone <= 0 {
		return Result{}, fmt.Errorf("no current zone for %s", deviceID)
	}
	in, target, err := e.matches(ctx, c.transitionZone(), currentZone)
	if err != nil {
		return Result{}, err
	}
	details := map[string]any{
		"to_zone":          target.String(),
		"current_zone_id":  currentZone,
		"proximity_target": rule.Proximity.String(),
	}
	if !in {
		return Result{Status: StatusNotInZone, Details: details}, nil
	}

	for _, other := range e.subjects.Resolve(rule.Proximity) {
		if other == deviceID {
			continue
		}
		rec, err := e.history.Latest(ctx, other, events.KindZoneEntry)
		if err != nil {
			return Result{}, fmt.Errorf("failed to query %s: %w", other, err)
		}
		if rec != nil && rec.ZoneID == currentZone {
			details["near"] = other
			return Result{Triggered: true, Status: StatusNear, Details: details}, nil
		}
	}
	return Result{Status: StatusNotNear, Details: details}, nil
}
