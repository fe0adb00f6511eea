package subjects

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

type fakeSource struct {
	devices []store.Device
	err     error
}

func (f *fakeSource) ListDevices(ctx context.Context) ([]store.Device, error) {
	return f.devices, f.err
}

func newRegistry(t *testing.T) (*Registry, *fakeSource) {
	t.Helper()
	src := &fakeSource{devices: []store.Device{
		{ID: "T2", DeviceType: "tag"},
		{ID: "T1", DeviceType: "Tag"},
		{ID: "B1", DeviceType: "badge"},
	}}
	r := NewRegistry(src, nil)
	require.NoError(t, r.Refresh(context.Background()))
	return r, src
}

func TestParse(t *testing.T) {
	tests := []struct {
		token     string
		typeClass bool
		value     string
	}{
		{"T1", false, "T1"},
		{"device_type:tag", true, "tag"},
		{"device_type:ANY", true, "any"},
		{" T9 ", false, "T9"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			s, err := Parse(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.typeClass, s.IsTypeClass())
			if tt.typeClass {
				assert.Equal(t, tt.value, s.DeviceType())
			} else {
				assert.Equal(t, tt.value, s.DeviceID())
			}
		})
	}

	_, err := Parse("")
	assert.Error(t, err)
	_, err = Parse("device_type:")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "T1", Concrete("T1").String())
	assert.Equal(t, "device_type:tag", TypeClass("Tag").String())
}

func TestResolve(t *testing.T) {
	r, _ := newRegistry(t)

	assert.Equal(t, []string{"T1"}, r.Resolve(Concrete("T1")))
	assert.Equal(t, []string{"T1", "T2"}, r.Resolve(TypeClass("tag")))
	assert.Equal(t, []string{"B1", "T1", "T2"}, r.Resolve(TypeClass(AnyType)))
	assert.Empty(t, r.Resolve(TypeClass("forklift")))
	assert.Nil(t, r.Resolve(Concrete("")))
}

func TestResolveReturnsCopy(t *testing.T) {
	r, _ := newRegistry(t)
	ids := r.Resolve(TypeClass("tag"))
	ids[0] = "mutated"
	assert.Equal(t, []string{"T1", "T2"}, r.Resolve(TypeClass("tag")))
}

func TestMatches(t *testing.T) {
	r, _ := newRegistry(t)

	assert.True(t, r.Matches(Concrete("T1"), "T1"))
	assert.False(t, r.Matches(Concrete("T1"), "T2"))
	assert.True(t, r.Matches(TypeClass("tag"), "T2"))
	assert.False(t, r.Matches(TypeClass("tag"), "B1"))
	assert.True(t, r.Matches(TypeClass(AnyType), "B1"))
	assert.False(t, r.Matches(TypeClass(AnyType), "ghost"))
}

func TestKnownAndTypeOf(t *testing.T) {
	r, _ := newRegistry(t)

	assert.True(t, r.Known("B1"))
	assert.False(t, r.Known("ghost"))
	typ, ok := r.TypeOf("T1")
	assert.True(t, ok)
	assert.Equal(t, "tag", typ)
	assert.Equal(t, 3, r.Count())
}

func TestRefreshFailureKeepsInventory(t *testing.T) {
	r, src := newRegistry(t)
	src.err = errors.New("store down")

	assert.Error(t, r.Refresh(context.Background()))
	assert.True(t, r.Known("T1"))
}

func TestRefreshReplacesInventory(t *testing.T) {
	r, src := newRegistry(t)
	src.devices = []store.Device{{ID: "T3", DeviceType: "tag"}}

	require.NoError(t, r.Refresh(context.Background()))
	assert.False(t, r.Known("T1"))
	assert.Equal(t, []string{"T3"}, r.Resolve(TypeClass("tag")))
}
