package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

// Source is the rule store collaborator
type Source interface {
	LoadRules(ctx context.Context) ([]store.Rule, error)
}

// Snapshot is an immutable, versioned set of active rules. Rules are ordered
// by priority, highest first.
type Snapshot struct {
	Version  uint64
	Rules    []Rule
	Skipped  int
	LoadedAt time.Time
}

// Cache holds the active rule snapshot. Reload swaps the whole snapshot in
// one pointer store, so readers see either the old set or the new one.
type Cache struct {
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[Snapshot]
	reload  sync.Mutex
}

// NewCache creates a cache holding an empty version 0 snapshot. m may be nil.
func NewCache(source Source, logger *slog.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		source:  source,
		logger:  logger.With("component", "rule_cache"),
		metrics: m,
	}
	c.current.Store(&Snapshot{})
	return c
}

// Snapshot returns the active rule set
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Reload replaces the active set with the stored rules. Disabled rules are
// left out and invalid ones are skipped with an error log. On a store
// failure the previous snapshot stays active.
func (c *Cache) Reload(ctx context.Context) (*Snapshot, error) {
	c.reload.Lock()
	defer c.reload.Unlock()

	records, err := c.source.LoadRules(ctx)
	if err != nil {
		return c.current.Load(), fmt.Errorf("failed to load rules: %w", err)
	}

	active := make([]Rule, 0, len(records))
	skipped := 0
	for _, rec := range records {
		if !rec.IsEnabled {
			c.logger.Debug("Skipping disabled rule", "rule_id", rec.ID)
			continue
		}
		rule, err := Parse(rec)
		if err != nil {
			c.logger.Error("Failed to parse rule", "rule_id", rec.ID, "name", rec.Name, "error", err)
			skipped++
			continue
		}
		active = append(active, rule)
	}

	next := &Snapshot{
		Version:  c.current.Load().Version + 1,
		Rules:    active,
		Skipped:  skipped,
		LoadedAt: time.Now(),
	}
	c.current.Store(next)

	if len(active) == 0 {
		c.logger.Warn("No active rules loaded")
	}
	if c.metrics != nil {
		c.metrics.RulesActive.Set(float64(len(active)))
		c.metrics.RuleCacheVersion.Set(float64(next.Version))
	}
	c.logger.Info("Rules reloaded", "version", next.Version, "active", len(active), "skipped", skipped)
	return next, nil
}
