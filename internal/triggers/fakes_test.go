package triggers

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	triggers map[int64]store.Trigger
	listErr  error
	updates  int
}

func newFakeStore(triggers ...store.Trigger) *fakeStore {
	f := &fakeStore{triggers: make(map[int64]store.Trigger)}
	for _, t := range triggers {
		f.triggers[t.ID] = t
	}
	return f
}

func (f *fakeStore) ListTriggersForZone(ctx context.Context, zoneID int64) ([]store.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []store.Trigger
	for _, t := range f.triggers {
		if t.ZoneID == zoneID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListTriggerZones(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int64]bool{}
	var zones []int64
	for _, t := range f.triggers {
		if !seen[t.ZoneID] {
			seen[t.ZoneID] = true
			zones = append(zones, t.ZoneID)
		}
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i] < zones[j] })
	return zones, nil
}

func (f *fakeStore) UpdateTriggerZone(ctx context.Context, triggerID, fromZone, toZone int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	t, ok := f.triggers[triggerID]
	if !ok || t.ZoneID != fromZone {
		return false, nil
	}
	t.ZoneID = toZone
	f.triggers[triggerID] = t
	return true, nil
}

func (f *fakeStore) set(t store.Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers[t.ID] = t
}

func (f *fakeStore) zoneOf(id int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers[id].ZoneID
}

// fakeLocator puts x < 100 in zone 3 and everything else in zone 4
type fakeLocator struct {
	err error
}

func (f *fakeLocator) Resolve(ctx context.Context, p geo.Point, campusID int64) (int64, error) {
	if f.err != nil {
		return campusID, f.err
	}
	if p.X < 100 {
		return 3, nil
	}
	return 4, nil
}

type fakeDirectory map[string]bool

func (f fakeDirectory) Known(id string) bool { return f[id] }

var errStoreDown = errors.New("store down")

func boxTrigger(id, zone int64, dir string) store.Trigger {
	return store.Trigger{
		ID:        id,
		Name:      "box",
		Direction: dir,
		ZoneID:    zone,
		Region: &store.Region{
			ID:     id,
			ZoneID: zone,
			Box:    geo.Box{Max: geo.Point{X: 10, Y: 10, Z: 10}},
		},
	}
}

func portableTrigger(id, zone int64, dir, tag string) store.Trigger {
	return store.Trigger{
		ID:            id,
		Name:          "escort",
		Direction:     dir,
		ZoneID:        zone,
		IsPortable:    true,
		AssignedTagID: tag,
		RadiusFt:      1.5,
		ZMin:          0,
		ZMax:          10,
	}
}
