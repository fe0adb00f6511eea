package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
)

// ErrStopped is returned by operations on a stopped manager
var ErrStopped = errors.New("trigger manager stopped")

// EmitFunc receives every fired trigger event
type EmitFunc func(events.TriggerEvent)

// ManagerOptions configures a Manager
type ManagerOptions struct {
	CampusID  int64
	QueueSize int
	// StateTTL evicts (trigger, tag) state that has not been updated for this long
	StateTTL time.Duration
}

type opKind int

const (
	opSample opKind = iota
	opReload
	opEndTag
)

type op struct {
	kind   opKind
	sample events.PositionSample
	device string
	done   chan error
}

type worker struct {
	engine *Engine
	inbox  chan op
}

// Manager runs one goroutine per zone. Each zone's engine is touched only by
// its worker, so zones evaluate in parallel while a zone's trigger state is
// never mutated concurrently.
type Manager struct {
	store     TriggerStore
	locator   ZoneLocator
	directory DeviceDirectory
	emit      EmitFunc
	opts      ManagerOptions
	logger    *slog.Logger
	metrics   *metrics.Metrics
	base      *slog.Logger

	mu      sync.RWMutex
	workers map[int64]*worker
	handoff map[int64]Move
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager. directory and m may be nil.
func NewManager(st TriggerStore, locator ZoneLocator, directory DeviceDirectory, emit EmitFunc, opts ManagerOptions, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(events.TriggerEvent) {}
	}
	return &Manager{
		store:     st,
		locator:   locator,
		directory: directory,
		emit:      emit,
		opts:      opts,
		logger:    logger.With("component", "trigger_manager"),
		metrics:   m,
		base:      logger,
		workers:   make(map[int64]*worker),
		handoff:   make(map[int64]Move),
	}
}

// Start loads every zone that owns triggers and starts its worker
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	zones, err := m.store.ListTriggerZones(ctx)
	if err != nil {
		return fmt.Errorf("failed to list trigger zones: %w", err)
	}

	for _, zoneID := range zones {
		if err := m.ReloadTriggersForZone(ctx, zoneID); err != nil {
			m.logger.Error("Failed to load zone triggers", "zone_id", zoneID, "error", err)
		}
	}

	m.logger.Info("Trigger manager started", "zones", len(zones))
	return nil
}

// Stop stops every worker and waits for them to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Trigger manager stopped")
}

// Dispatch hands a sample to every zone worker without blocking. A worker
// whose queue is full drops the sample; the next sample supersedes it.
func (m *Manager) Dispatch(sample events.PositionSample) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for zoneID, w := range m.workers {
		select {
		case w.inbox <- op{kind: opSample, sample: sample}:
		default:
			if m.metrics != nil {
				m.metrics.DispatchDropped.Inc()
			}
			m.logger.Warn("Zone queue full, sample dropped", "zone_id", zoneID, "device_id", sample.DeviceID)
		}
	}
}

// ReloadTriggersForZone replaces the in-memory triggers of one zone with the
// stored set, starting the zone's worker if needed. Other zones are untouched.
func (m *Manager) ReloadTriggersForZone(ctx context.Context, zoneID int64) error {
	w, err := m.worker(zoneID)
	if err != nil {
		return err
	}
	return m.send(ctx, w, op{kind: opReload})
}

// EndTag evicts the state of a device in every zone
func (m *Manager) EndTag(ctx context.Context, deviceID string) error {
	m.mu.RLock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	for _, w := range workers {
		if err := m.send(ctx, w, op{kind: opEndTag, device: deviceID}); err != nil {
			return err
		}
	}
	return nil
}

// Zones returns the zones with a running worker
func (m *Manager) Zones() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	zones := make([]int64, 0, len(m.workers))
	for id := range m.workers {
		zones = append(zones, id)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i] < zones[j] })
	return zones
}

func (m *Manager) send(ctx context.Context, w *worker, o op) error {
	o.done = make(chan error, 1)

	m.mu.RLock()
	stopped := m.ctx.Done()
	m.mu.RUnlock()

	select {
	case w.inbox <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrStopped
	}

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrStopped
	}
}

func (m *Manager) worker(zoneID int64) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil || m.ctx.Err() != nil {
		return nil, ErrStopped
	}
	if w, ok := m.workers[zoneID]; ok {
		return w, nil
	}

	engine := NewEngine(zoneID, m.opts.CampusID, m.store, m.locator, m.directory, m.base, m.metrics)
	engine.SetHandoff(m.takeHandoff)
	w := &worker{
		engine: engine,
		inbox:  make(chan op, m.opts.QueueSize),
	}
	m.workers[zoneID] = w

	m.wg.Add(1)
	go m.run(m.ctx, w)
	return w, nil
}

func (m *Manager) run(ctx context.Context, w *worker) {
	defer m.wg.Done()

	sweep := time.NewTicker(m.opts.StateTTL / 4)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case o := <-w.inbox:
			switch o.kind {
			case opSample:
				fired, moves := w.engine.Evaluate(ctx, o.sample)
				for _, ev := range fired {
					m.emit(ev)
				}
				for _, mv := range moves {
					m.handleMove(ctx, mv)
				}
			case opReload:
				o.done <- w.engine.LoadTriggers(ctx)
			case opEndTag:
				w.engine.EndTag(o.device)
				o.done <- nil
			}

		case now := <-sweep.C:
			if n := w.engine.EvictIdle(now.Add(-m.opts.StateTTL)); n > 0 {
				m.logger.Debug("Evicted idle trigger state", "zone_id", w.engine.ZoneID(), "pairs", n)
			}
		}
	}
}

// handleMove reloads the zones involved in a portable trigger move. Reloads
// run on their own goroutine: the target worker may be busy and a worker
// must never wait on itself. A completed move is parked until the target
// zone's engine picks it up on reload.
func (m *Manager) handleMove(ctx context.Context, mv Move) {
	zones := []int64{mv.From}
	if !mv.Conflict {
		zones = append(zones, mv.To)
		m.mu.Lock()
		m.handoff[mv.TriggerID] = mv
		m.mu.Unlock()
	}

	// the calling worker holds a count, so Stop cannot be past Wait yet
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, zoneID := range zones {
			if err := m.ReloadTriggersForZone(ctx, zoneID); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
				m.logger.Error("Failed to reload zone after portable move", "zone_id", zoneID, "trigger_id", mv.TriggerID, "error", err)
			}
		}
	}()
}

func (m *Manager) takeHandoff(triggerID, zoneID int64) (Move, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mv, ok := m.handoff[triggerID]
	if !ok || mv.To != zoneID {
		return Move{}, false
	}
	delete(m.handoff, triggerID)
	return mv, true
}
