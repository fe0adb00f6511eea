// Package zones resolves coordinates to the most specific zone of the zone
// hierarchy and classifies zones into the inside/outside semantic layer.
package zones

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
	"github.com/Spatial-NVR/SpatialRTLS/internal/logging"
	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

// Hierarchy is the zone hierarchy collaborator
type Hierarchy interface {
	RegionsContaining(ctx context.Context, p geo.Point) ([]store.Region, error)
	Ancestors(ctx context.Context, zoneID int64) ([]store.Zone, error)
}

// Options configures a Resolver
type Options struct {
	QueryTimeout time.Duration
	CacheTTL     time.Duration
	EnvelopeType string
}

type chainEntry struct {
	chain   []store.Zone
	expires time.Time
}

// Resolver maps points to zones. Ancestor chains are cached for CacheTTL and
// concurrent misses for the same zone share one query.
type Resolver struct {
	hierarchy Hierarchy
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics

	group singleflight.Group
	mu    sync.RWMutex
	cache map[int64]chainEntry
	now   func() time.Time
}

// NewResolver creates a resolver. m may be nil.
func NewResolver(h Hierarchy, opts Options, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 2 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.EnvelopeType == "" {
		opts.EnvelopeType = "building-envelope"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		hierarchy: h,
		opts:      opts,
		logger:    logger.With("component", "zone_resolver"),
		metrics:   m,
		cache:     make(map[int64]chainEntry),
		now:       time.Now,
	}
}

type candidate struct {
	zoneID int64
	area   float64
	volume float64
}

func (c candidate) moreSpecificThan(o candidate) bool {
	if c.area != o.area {
		return c.area < o.area
	}
	if c.volume != o.volume {
		return c.volume < o.volume
	}
	return c.zoneID < o.zoneID
}

// Resolve returns the most specific zone containing p. It returns campusID
// when nothing matches. On a hierarchy failure it returns campusID together
// with a resolution error.
func (r *Resolver) Resolve(ctx context.Context, p geo.Point, campusID int64) (int64, error) {
	start := r.now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ResolutionDuration.Observe(r.now().Sub(start).Seconds())
		}
	}()

	qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()

	regions, err := r.hierarchy.RegionsContaining(qctx, p)
	if err != nil {
		return campusID, errs.New(errs.Resolution, "resolve zone", err)
	}

	var best *candidate
	for _, region := range regions {
		c := candidate{zoneID: region.ZoneID, area: region.Box.Area(), volume: region.Box.Volume()}

		if len(region.Vertices) > 0 {
			shape, err := region.Shape()
			if err != nil {
				// Invalid polygons degrade to their bounding box.
				r.logger.Warn("Region polygon invalid, using bounding box", "region_id", region.ID, "error", err)
			} else {
				if !shape.Contains(p) {
					continue
				}
				if prism, ok := shape.(geo.Prism); ok {
					c.area = prism.Footprint.Area()
					c.volume = c.area * (prism.ZMax - prism.ZMin)
				}
			}
		}

		if best == nil || c.moreSpecificThan(*best) {
			cc := c
			best = &cc
		}
	}

	if best == nil {
		return campusID, nil
	}
	return best.zoneID, nil
}

// ResolveZone is Resolve with the failure handled: errors are logged as a
// degraded resolution and the campus zone is returned.
func (r *Resolver) ResolveZone(ctx context.Context, p geo.Point, campusID int64) int64 {
	zoneID, err := r.Resolve(ctx, p, campusID)
	if err != nil {
		r.degraded("Zone resolution failed, falling back to campus", err, "campus_id", campusID,
			"x", p.X, "y", p.Y, "z", p.Z)
	}
	return zoneID
}

// ClassifySemantic reports whether a zone lies inside a building envelope.
// The zone itself counts, so an envelope zone is inside.
func (r *Resolver) ClassifySemantic(ctx context.Context, zoneID int64) Semantic {
	if zoneID <= 0 {
		return Unknown
	}
	chain, err := r.ancestors(ctx, zoneID)
	if err != nil {
		r.degraded("Semantic classification failed", err, "zone_id", zoneID)
		return Unknown
	}
	return r.classifyChain(chain)
}

func (r *Resolver) classifyChain(chain []store.Zone) Semantic {
	for _, z := range chain {
		if z.ZoneType == r.opts.EnvelopeType {
			return Inside
		}
	}
	return Outside
}

// ResolveVirtualZone decomposes a zone token into a Target
func (r *Resolver) ResolveVirtualZone(token string, campusID int64) (Target, error) {
	t, err := ParseTarget(token, campusID)
	if err != nil {
		return Target{}, errs.New(errs.RuleEvaluation, "resolve virtual zone", err)
	}
	return t, nil
}

// Matches reports whether currentZone satisfies target. Semantic targets
// compare the zone's semantic layer, scoped to the target campus. Concrete
// targets match the zone itself or any zone nested under it.
func (r *Resolver) Matches(ctx context.Context, target Target, currentZone int64) (bool, error) {
	if currentZone <= 0 {
		return false, nil
	}
	if !target.IsSemantic() && target.ZoneID == currentZone {
		return true, nil
	}

	chain, err := r.ancestors(ctx, currentZone)
	if err != nil {
		return false, err
	}

	if target.IsSemantic() {
		if target.CampusID != 0 && !chainContains(chain, target.CampusID) {
			return false, nil
		}
		return r.classifyChain(chain) == target.Semantic, nil
	}
	return chainContains(chain, target.ZoneID), nil
}

// Ancestors returns the cached chain of zoneID up to its root, self first
func (r *Resolver) Ancestors(ctx context.Context, zoneID int64) ([]store.Zone, error) {
	return r.ancestors(ctx, zoneID)
}

// Invalidate drops every cached ancestor chain
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[int64]chainEntry)
	r.mu.Unlock()
	r.logger.Info("Zone hierarchy cache invalidated")
}

func (r *Resolver) ancestors(ctx context.Context, zoneID int64) ([]store.Zone, error) {
	r.mu.RLock()
	entry, ok := r.cache[zoneID]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.chain, nil
	}

	// The shared query runs on its own timeout rather than the first
	// caller's context, so one cancelled caller cannot fail the others.
	v, err, _ := r.group.Do(strconv.FormatInt(zoneID, 10), func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.QueryTimeout)
		defer cancel()

		chain, err := r.hierarchy.Ancestors(qctx, zoneID)
		if err != nil {
			return nil, errs.New(errs.Resolution, "zone ancestors", err)
		}

		r.mu.Lock()
		r.cache[zoneID] = chainEntry{chain: chain, expires: r.now().Add(r.opts.CacheTTL)}
		r.mu.Unlock()
		return chain, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Zone), nil
}

func (r *Resolver) degraded(msg string, err error, args ...any) {
	if r.metrics != nil {
		r.metrics.ResolutionsDegraded.Inc()
	}
	args = append(args, "error", err, logging.Degraded())
	r.logger.Warn(msg, args...)
}

func chainContains(chain []store.Zone, id int64) bool {
	for _, z := range chain {
		if z.ID == id {
			return true
		}
	}
	return false
}
