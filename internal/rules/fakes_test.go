package rules

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
	"github.com/Spatial-NVR/SpatialRTLS/internal/subjects"
	"github.com/Spatial-NVR/SpatialRTLS/internal/zones"
)

// Campus 1 holds building 2 (the envelope) and yard 4. Building 2 holds
// room 3 and lobby 5.
var testZones = map[int64]store.Zone{
	1: {ID: 1, Name: "campus", ZoneType: "campus"},
	2: {ID: 2, Name: "building", ZoneType: "building-envelope", ParentID: 1},
	3: {ID: 3, Name: "room", ZoneType: "room", ParentID: 2},
	4: {ID: 4, Name: "yard", ZoneType: "outdoor", ParentID: 1},
	5: {ID: 5, Name: "lobby", ZoneType: "room", ParentID: 2},
}

type fakeHierarchy struct {
	err error
}

// RegionsContaining puts x < 100 in room 3 and everything else in yard 4
func (f *fakeHierarchy) RegionsContaining(ctx context.Context, p geo.Point) ([]store.Region, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p.X < 100 {
		return []store.Region{{ID: 30, ZoneID: 3, Box: geo.Box{Max: geo.Point{X: 100, Y: 100, Z: 10}}}}, nil
	}
	return []store.Region{{ID: 40, ZoneID: 4, Box: geo.Box{Min: geo.Point{X: 100}, Max: geo.Point{X: 1000, Y: 1000, Z: 10}}}}, nil
}

func (f *fakeHierarchy) Ancestors(ctx context.Context, id int64) ([]store.Zone, error) {
	if f.err != nil {
		return nil, f.err
	}
	var chain []store.Zone
	for id != 0 {
		z, ok := testZones[id]
		if !ok {
			break
		}
		chain = append(chain, z)
		id = z.ParentID
	}
	if len(chain) == 0 {
		return nil, store.ErrNotFound
	}
	return chain, nil
}

func newTestResolver(h zones.Hierarchy) *zones.Resolver {
	return zones.NewResolver(h, zones.Options{}, nil, nil)
}

type fakeLog struct {
	mu        sync.Mutex
	records   []*events.Record
	queryErr  error
	appendErr error
}

func (f *fakeLog) Append(ctx context.Context, rec *events.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	cp := *rec
	f.records = append(f.records, &cp)
	return nil
}

func (f *fakeLog) QueryBySubject(ctx context.Context, subjectID string, opts events.QueryOptions) ([]*events.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	kinds := map[events.Kind]bool{}
	for _, k := range opts.Kinds {
		kinds[k] = true
	}

	type indexed struct {
		rec *events.Record
		seq int
	}
	var matched []indexed
	for i, r := range f.records {
		if r.SubjectID != subjectID {
			continue
		}
		if len(kinds) > 0 && !kinds[r.Kind] {
			continue
		}
		if opts.RuleID != 0 && r.RuleID != opts.RuleID {
			continue
		}
		if opts.ZoneID != 0 && r.ZoneID != opts.ZoneID {
			continue
		}
		if !opts.Since.IsZero() && r.Timestamp.Before(opts.Since) {
			continue
		}
		matched = append(matched, indexed{r, i})
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.rec.Timestamp.Equal(b.rec.Timestamp) {
			return a.rec.Timestamp.After(b.rec.Timestamp)
		}
		return a.seq > b.seq
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	out := []*events.Record{}
	for i := 0; i < len(matched) && i < limit; i++ {
		cp := *matched[i].rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeLog) Latest(ctx context.Context, subjectID string, kinds ...events.Kind) (*events.Record, error) {
	recs, err := f.QueryBySubject(ctx, subjectID, events.QueryOptions{Kinds: kinds, Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (f *fakeLog) entry(subject string, zoneID int64, at time.Time) {
	_ = f.Append(context.Background(), &events.Record{SubjectID: subject, Kind: events.KindZoneEntry, ZoneID: zoneID, Timestamp: at})
}

func (f *fakeLog) count(subject string, kind events.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.SubjectID == subject && r.Kind == kind {
			n++
		}
	}
	return n
}

// fakeSubjects maps device ids to device types
type fakeSubjects map[string]string

func (f fakeSubjects) Resolve(s subjects.Subject) []string {
	if !s.IsTypeClass() {
		return []string{s.DeviceID()}
	}
	var out []string
	for id, typ := range f {
		if s.DeviceType() == subjects.AnyType || s.DeviceType() == typ {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (f fakeSubjects) Matches(s subjects.Subject, deviceID string) bool {
	if !s.IsTypeClass() {
		return s.DeviceID() == deviceID
	}
	typ, ok := f[deviceID]
	return ok && (s.DeviceType() == subjects.AnyType || s.DeviceType() == typ)
}

type fakeSource struct {
	rules []store.Rule
	err   error
}

func (f *fakeSource) LoadRules(ctx context.Context) ([]store.Rule, error) {
	return f.rules, f.err
}

var errDown = errors.New("store down")

func storedRule(id int64, conditions string) store.Rule {
	return store.Rule{ID: id, Name: "rule", IsEnabled: true, Conditions: []byte(conditions)}
}

func mustParse(rec store.Rule) Rule {
	r, err := Parse(rec)
	if err != nil {
		panic(err)
	}
	return r
}
