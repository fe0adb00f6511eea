package rules

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-NVR/SpatialRTLS/internal/metrics"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

func TestCacheReload(t *testing.T) {
	disabled := storedRule(3, `{"rule_type":"zone_transition","subject_id":"T1","to_zone":3}`)
	disabled.IsEnabled = false

	src := &fakeSource{rules: []store.Rule{
		storedRule(1, `{"rule_type":"zone_transition","subject_id":"T1","to_zone":3}`),
		storedRule(2, `{"rule_type":"zone_stay","subject_id":"T1"}`),
		disabled,
		storedRule(4, `{"rule_type":"layered_trigger","subject_id":"T1"}`),
	}}
	m := metrics.New()
	c := NewCache(src, nil, m)

	assert.Equal(t, uint64(0), c.Snapshot().Version)
	assert.Empty(t, c.Snapshot().Rules)

	snap, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, 1, snap.Skipped)
	require.Len(t, snap.Rules, 2)
	assert.Equal(t, int64(1), snap.Rules[0].ID)
	assert.Equal(t, int64(4), snap.Rules[1].ID)
	assert.Same(t, snap, c.Snapshot())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RulesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleCacheVersion))

	snap, err = c.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)
}

func TestCacheReloadFailureKeepsSnapshot(t *testing.T) {
	src := &fakeSource{rules: []store.Rule{
		storedRule(1, `{"rule_type":"zone_transition","subject_id":"T1","to_zone":3}`),
	}}
	c := NewCache(src, nil, nil)

	before, err := c.Reload(context.Background())
	require.NoError(t, err)

	src.err = errDown
	after, err := c.Reload(context.Background())
	assert.ErrorIs(t, err, errDown)
	assert.Same(t, before, after)
	assert.Same(t, before, c.Snapshot())
}

func TestCacheReadersSeeWholeSnapshots(t *testing.T) {
	src := &fakeSource{rules: []store.Rule{
		storedRule(1, `{"rule_type":"zone_transition","subject_id":"T1","to_zone":3}`),
		storedRule(2, `{"rule_type":"zone_transition","subject_id":"T2","to_zone":3}`),
		storedRule(3, `{"rule_type":"zone_transition","subject_id":"T3","to_zone":3}`),
	}}
	c := NewCache(src, nil, nil)
	_, err := c.Reload(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := c.Snapshot()
				assert.Len(t, snap.Rules, 3)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		_, err := c.Reload(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, uint64(21), c.Snapshot().Version)
}
