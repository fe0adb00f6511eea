package rules

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
)

// Locator resolves a sample's position to a zone, falling back to the campus
type Locator interface {
	ResolveZone(ctx context.Context, p geo.Point, campusID int64) int64
}

// EventLog is the event log collaborator
type EventLog interface {
	History
	Append(ctx context.Context, rec *events.Record) error
}

// EmitFunc receives every emitted rule event
type EmitFunc func(events.RuleEvent)

// ProcessorOptions configures a Processor
type ProcessorOptions struct {
	CampusID      int64
	SweepInterval time.Duration
	HistoryLimit  int
}

const lockStripes = 64

// Processor feeds samples through the rule engine. It keeps each device's
// zone history in the event log, evaluates the rules whose subject covers the
// device and emits a RuleEvent at most once per zone visit.
type Processor struct {
	cache    *Cache
	eval     *Evaluator
	log      EventLog
	subjects SubjectResolver
	locator  Locator
	emit     EmitFunc
	opts     ProcessorOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// a device's log updates and evaluations are serialised on its stripe
	locks [lockStripes]sync.Mutex

	// offset of each device's clock from ours, as of its latest sample
	skewMu sync.Mutex
	skew   map[string]time.Duration
	now    func() time.Time
}

// NewProcessor creates a processor. m may be nil.
func NewProcessor(cache *Cache, zm ZoneMatcher, locator Locator, log EventLog, sr SubjectResolver, emit EmitFunc, opts ProcessorOptions, logger *slog.Logger, m *metrics.Metrics) *Processor {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(events.RuleEvent) {}
	}
	return &Processor{
		cache:    cache,
		eval:     NewEvaluator(zm, log, sr, opts.CampusID, opts.HistoryLimit, logger),
		log:      log,
		subjects: sr,
		locator:  locator,
		emit:     emit,
		opts:     opts,
		logger:   logger.With("component", "rule_processor"),
		metrics:  m,
		skew:     make(map[string]time.Duration),
		now:      time.Now,
	}
}

// Evaluator returns the processor's evaluator
func (p *Processor) Evaluator() *Evaluator {
	return p.eval
}

func (p *Processor) lock(deviceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &p.locks[h.Sum32()%lockStripes]
}

// HandleSample records the sample's zone and evaluates every rule covering
// the device. The zone reported on the sample is used when present.
func (p *Processor) HandleSample(ctx context.Context, sample events.PositionSample) {
	if sample.DeviceID == "" {
		return
	}
	now := p.now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	p.skewMu.Lock()
	p.skew[sample.DeviceID] = sample.Timestamp.Sub(now)
	p.skewMu.Unlock()

	zoneID := sample.ZoneID
	if zoneID <= 0 {
		zoneID = p.locator.ResolveZone(ctx, geo.Point{X: sample.X, Y: sample.Y, Z: sample.Z}, p.opts.CampusID)
	}

	mu := p.lock(sample.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	if err := p.recordZone(ctx, sample.DeviceID, zoneID, sample.Timestamp); err != nil {
		p.logger.Error("Failed to record zone change", "device_id", sample.DeviceID, "zone_id", zoneID, "error", err)
	}

	snap := p.cache.Snapshot()
	for _, rule := range snap.Rules {
		if !p.subjects.Matches(rule.Subject, sample.DeviceID) {
			continue
		}
		res := p.eval.EvaluateRule(ctx, rule, sample.DeviceID, zoneID, &sample)
		p.finish(ctx, rule, sample.DeviceID, zoneID, res, sample.Timestamp)
	}
}

// recordZone appends ZoneExit for the previous zone and ZoneEntry for the new
// one when the device's zone changed since its last logged entry
func (p *Processor) recordZone(ctx context.Context, deviceID string, zoneID int64, at time.Time) error {
	last, err := p.log.Latest(ctx, deviceID, events.KindZoneEntry)
	if err != nil {
		return err
	}
	if last != nil && last.ZoneID == zoneID {
		return nil
	}
	if last != nil {
		if err := p.log.Append(ctx, &events.Record{
			SubjectID: deviceID,
			Kind:      events.KindZoneExit,
			ZoneID:    last.ZoneID,
			Timestamp: at,
		}); err != nil {
			return err
		}
	}
	return p.log.Append(ctx, &events.Record{
		SubjectID: deviceID,
		Kind:      events.KindZoneEntry,
		ZoneID:    zoneID,
		Timestamp: at,
	})
}

// Sweep evaluates every active rule against every device its subject covers,
// using each device's last logged zone. Dwell rules fire here for devices
// that have stopped reporting. Each device is evaluated on its own clock so
// sweep results order correctly against the zone entries it reported.
func (p *Processor) Sweep(ctx context.Context) int {
	snap := p.cache.Snapshot()
	now := p.now()
	evaluated := 0

	for _, rule := range snap.Rules {
		for _, deviceID := range p.subjects.Resolve(rule.Subject) {
			if ctx.Err() != nil {
				return evaluated
			}
			evaluated += p.sweepDevice(ctx, rule, deviceID, now)
		}
	}
	return evaluated
}

func (p *Processor) sweepDevice(ctx context.Context, rule Rule, deviceID string, now time.Time) int {
	mu := p.lock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	last, err := p.log.Latest(ctx, deviceID, events.KindZoneEntry)
	if err != nil {
		p.logger.Error("Failed to read last zone", "device_id", deviceID, "error", err)
		return 0
	}
	if last == nil {
		return 0
	}
	at := p.deviceTime(deviceID, now)
	if at.Before(last.Timestamp) {
		at = last.Timestamp
	}
	tick := events.PositionSample{DeviceID: deviceID, ZoneID: last.ZoneID, Timestamp: at}
	res := p.eval.EvaluateRule(ctx, rule, deviceID, last.ZoneID, &tick)
	p.finish(ctx, rule, deviceID, last.ZoneID, res, at)
	return 1
}

// deviceTime translates now into deviceID's clock. Devices not seen since
// start are taken to be in sync.
func (p *Processor) deviceTime(deviceID string, now time.Time) time.Time {
	p.skewMu.Lock()
	defer p.skewMu.Unlock()
	return now.Add(p.skew[deviceID])
}

// Run sweeps on the configured interval until ctx is done
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := p.Sweep(ctx)
			p.logger.Debug("Rule sweep complete", "evaluations", n)
		}
	}
}

func (p *Processor) finish(ctx context.Context, rule Rule, deviceID string, zoneID int64, res Result, at time.Time) {
	if p.metrics != nil {
		p.metrics.RuleEvaluations.WithLabelValues(string(rule.Type()), res.Status).Inc()
	}
	if !res.Triggered {
		return
	}

	fresh, err := p.firstInVisit(ctx, rule.ID, deviceID)
	if err != nil {
		p.logger.Error("Failed to check rule history", "rule_id", rule.ID, "device_id", deviceID, "error", err)
		return
	}
	if !fresh {
		return
	}

	details, _ := json.Marshal(res.Details)
	if err := p.log.Append(ctx, &events.Record{
		SubjectID: deviceID,
		Kind:      events.KindRuleTriggered,
		ZoneID:    zoneID,
		RuleID:    rule.ID,
		Timestamp: at,
		Details:   details,
	}); err != nil {
		p.logger.Error("Failed to log rule trigger", "rule_id", rule.ID, "device_id", deviceID, "error", err)
		return
	}

	p.logger.Info("Rule triggered", "rule_id", rule.ID, "rule", rule.Name, "device_id", deviceID, "zone_id", zoneID, "status", res.Status)
	p.emit(events.RuleEvent{
		Type:      events.TypeRuleEvent,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		RuleType:  string(rule.Type()),
		TagID:     deviceID,
		ZoneID:    zoneID,
		Status:    res.Status,
		Details:   res.Details,
		Timestamp: at,
	})
}

// firstInVisit reports whether the rule has not yet triggered for the device
// since its latest zone entry
func (p *Processor) firstInVisit(ctx context.Context, ruleID int64, deviceID string) (bool, error) {
	fired, err := p.log.QueryBySubject(ctx, deviceID, events.QueryOptions{
		Kinds:  []events.Kind{events.KindRuleTriggered},
		RuleID: ruleID,
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	if len(fired) == 0 {
		return true, nil
	}
	entry, err := p.log.Latest(ctx, deviceID, events.KindZoneEntry)
	if err != nil {
		return false, err
	}
	return entry != nil && fired[0].Timestamp.Before(entry.Timestamp), nil
}
