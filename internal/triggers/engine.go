package triggers

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
	"github.com/Spatial-NVR/SpatialRTLS/internal/logging"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

// TriggerStore is the trigger collaborator
type TriggerStore interface {
	ListTriggersForZone(ctx context.Context, zoneID int64) ([]store.Trigger, error)
	ListTriggerZones(ctx context.Context) ([]int64, error)
	UpdateTriggerZone(ctx context.Context, triggerID, fromZone, toZone int64) (bool, error)
}

// ZoneLocator re-resolves the zone of a moving portable trigger
type ZoneLocator interface {
	Resolve(ctx context.Context, p geo.Point, campusID int64) (int64, error)
}

// DeviceDirectory tells whether a device is known
type DeviceDirectory interface {
	Known(deviceID string) bool
}

// Move records a portable trigger leaving this zone for another
type Move struct {
	TriggerID int64
	From      int64
	To        int64
	// Conflict is set when the stored zone no longer matched, meaning an
	// administrative edit won; the trigger must be reloaded from the store.
	Conflict bool

	center geo.Point
	pairs  map[string]pairState
}

// HandoffFunc returns the pending move of triggerID into zoneID, if any. A
// returned move is consumed.
type HandoffFunc func(triggerID, zoneID int64) (Move, bool)

type pairKey struct {
	triggerID int64
	deviceID  string
}

type pairState struct {
	inside bool
	seen   time.Time
}

// Engine evaluates the triggers of one zone. It is not safe for concurrent
// use: each zone's engine is owned by a single worker goroutine.
type Engine struct {
	zoneID    int64
	campusID  int64
	store     TriggerStore
	locator   ZoneLocator
	directory DeviceDirectory
	logger    *slog.Logger
	metrics   *metrics.Metrics
	handoff   HandoffFunc

	triggers []*Trigger
	state    map[pairKey]pairState
}

// NewEngine creates an empty engine for a zone. directory and m may be nil.
func NewEngine(zoneID, campusID int64, st TriggerStore, locator ZoneLocator, directory DeviceDirectory, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		zoneID:    zoneID,
		campusID:  campusID,
		store:     st,
		locator:   locator,
		directory: directory,
		logger:    logger.With("component", "trigger_engine", "zone_id", zoneID),
		metrics:   m,
		state:     make(map[pairKey]pairState),
	}
}

// SetHandoff installs the source of portable triggers arriving from another
// zone. Their centre and pair state are carried over on the next load.
func (e *Engine) SetHandoff(fn HandoffFunc) {
	e.handoff = fn
}

// ZoneID returns the zone this engine serves
func (e *Engine) ZoneID() int64 {
	return e.zoneID
}

// Len returns the number of loaded triggers
func (e *Engine) Len() int {
	return len(e.triggers)
}

// Triggers returns the loaded triggers ordered by id
func (e *Engine) Triggers() []*Trigger {
	out := make([]*Trigger, len(e.triggers))
	copy(out, e.triggers)
	return out
}

// LoadTriggers replaces every trigger of this zone with the stored set.
// Triggers whose geometry cannot be built are skipped. Portable triggers keep
// their last known centre and surviving pairs keep their state. A portable
// trigger handed over from another zone resumes with the centre and pair
// state it had there.
func (e *Engine) LoadTriggers(ctx context.Context) error {
	records, err := e.store.ListTriggersForZone(ctx, e.zoneID)
	if err != nil {
		return err
	}

	previous := make(map[int64]*Trigger, len(e.triggers))
	for _, t := range e.triggers {
		previous[t.ID] = t
	}

	loaded := make([]*Trigger, 0, len(records))
	for _, rec := range records {
		t, err := FromRecord(rec)
		if err != nil {
			e.logger.Warn("Skipping trigger", "trigger_id", rec.ID, "name", rec.Name, "error", err)
			if e.metrics != nil {
				e.metrics.TriggersSkipped.WithLabelValues(errs.KindOf(err).String()).Inc()
			}
			continue
		}
		if old, ok := previous[t.ID]; ok && t.IsPortable() && old.IsPortable() &&
			old.portable.AssignedTagID == t.portable.AssignedTagID && old.portable.placed {
			t.moveTo(old.portable.cylinder.Center)
		}
		if t.IsPortable() && e.handoff != nil {
			if mv, ok := e.handoff(t.ID, e.zoneID); ok {
				t.moveTo(mv.center)
				for deviceID, st := range mv.pairs {
					e.state[pairKey{triggerID: t.ID, deviceID: deviceID}] = st
				}
			}
		}
		loaded = append(loaded, t)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })

	keep := make(map[int64]bool, len(loaded))
	for _, t := range loaded {
		keep[t.ID] = true
	}
	for k := range e.state {
		if !keep[k.triggerID] {
			delete(e.state, k)
		}
	}

	e.triggers = loaded
	e.logger.Info("Triggers loaded", "count", len(loaded), "skipped", len(records)-len(loaded))
	return nil
}

// Evaluate runs one sample through every trigger of the zone. Portable
// triggers assigned to the sample's device are moved first. Pairs of a
// portable trigger and its own tag are never evaluated.
func (e *Engine) Evaluate(ctx context.Context, sample events.PositionSample) ([]events.TriggerEvent, []Move) {
	p := geo.Point{X: sample.X, Y: sample.Y, Z: sample.Z}
	moves := e.movePortables(ctx, sample.DeviceID, p)

	known := true
	if e.directory != nil {
		known = e.directory.Known(sample.DeviceID)
	}

	var fired []events.TriggerEvent
	for _, t := range e.triggers {
		if t.IsPortable() && t.portable.AssignedTagID == sample.DeviceID {
			continue
		}
		if t.IgnoreUnknowns && !known {
			continue
		}
		if t.IsPortable() && !t.portable.placed {
			continue // no position yet: neither inside nor outside
		}

		key := pairKey{triggerID: t.ID, deviceID: sample.DeviceID}
		prev := e.state[key] // zero value is Outside
		inside := t.Contains(p)
		e.state[key] = pairState{inside: inside, seen: time.Now()}

		if !t.Direction.Fires(prev.inside, inside) {
			continue
		}

		fired = append(fired, events.TriggerEvent{
			Type:        events.TypeTriggerEvent,
			TriggerID:   t.ID,
			TriggerName: t.Name,
			TagID:       sample.DeviceID,
			X:           sample.X,
			Y:           sample.Y,
			Z:           sample.Z,
			ZoneID:      t.ZoneID,
			Direction:   string(t.Direction),
			Timestamp:   sample.Timestamp,
		})
		if e.metrics != nil {
			e.metrics.TriggerEvents.WithLabelValues(string(t.Direction)).Inc()
		}
	}

	return fired, moves
}

// movePortables re-centres the portable triggers assigned to deviceID and
// hands triggers whose zone changed over to their new zone. This is the only
// place a trigger's zone is written.
func (e *Engine) movePortables(ctx context.Context, deviceID string, p geo.Point) []Move {
	var moves []Move
	kept := e.triggers[:0:0]

	for _, t := range e.triggers {
		if !t.IsPortable() || t.portable.AssignedTagID != deviceID {
			kept = append(kept, t)
			continue
		}
		t.moveTo(p)

		zoneID, err := e.locator.Resolve(ctx, p, e.campusID)
		if err != nil {
			e.logger.Warn("Portable trigger zone not re-resolved", "trigger_id", t.ID, "error", err, logging.Degraded())
			kept = append(kept, t)
			continue
		}
		if zoneID == t.ZoneID {
			kept = append(kept, t)
			continue
		}

		moved, err := e.store.UpdateTriggerZone(ctx, t.ID, t.ZoneID, zoneID)
		if err != nil {
			e.logger.Error("Failed to persist portable trigger zone", "trigger_id", t.ID, "to", zoneID, "error", err)
			kept = append(kept, t)
			continue
		}

		move := Move{TriggerID: t.ID, From: t.ZoneID, To: zoneID, Conflict: !moved, center: p}
		if moved {
			move.pairs = e.takeState(t.ID)
			e.logger.Info("Portable trigger changed zone", "trigger_id", t.ID, "from", t.ZoneID, "to", zoneID, "pairs", len(move.pairs))
		} else {
			e.takeState(t.ID)
		}
		moves = append(moves, move)
	}

	if len(moves) > 0 {
		e.triggers = kept
	}
	return moves
}

// EndTag evicts all state held for a device
func (e *Engine) EndTag(deviceID string) int {
	n := 0
	for k := range e.state {
		if k.deviceID == deviceID {
			delete(e.state, k)
			n++
		}
	}
	return n
}

// EvictIdle drops pair state not updated since before
func (e *Engine) EvictIdle(before time.Time) int {
	n := 0
	for k, s := range e.state {
		if s.seen.Before(before) {
			delete(e.state, k)
			n++
		}
	}
	return n
}

// StateSize returns the number of tracked (trigger, tag) pairs
func (e *Engine) StateSize() int {
	return len(e.state)
}

// takeState removes and returns the pair state of one trigger keyed by device
func (e *Engine) takeState(triggerID int64) map[string]pairState {
	out := make(map[string]pairState)
	for k, s := range e.state {
		if k.triggerID == triggerID {
			out[k.deviceID] = s
			delete(e.state, k)
		}
	}
	return out
}
