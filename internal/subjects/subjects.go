// Package subjects maps devices to the logical subjects temporal rules are
// written against: a concrete device or a whole device type.
package subjects

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

const (
	typePrefix = "device_type:"
	// AnyType is the device type wildcard that covers every known device
	AnyType = "any"
)

// Subject is either Concrete(deviceID) or TypeClass(deviceType)
type Subject struct {
	deviceID   string
	deviceType string
}

// Concrete names a single device
func Concrete(deviceID string) Subject {
	return Subject{deviceID: deviceID}
}

// TypeClass names every device of a type
func TypeClass(deviceType string) Subject {
	return Subject{deviceType: strings.ToLower(deviceType)}
}

// Parse reads a subject token: "device_type:<type>" or a device id
func Parse(token string) (Subject, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Subject{}, fmt.Errorf("empty subject")
	}
	if t, ok := strings.CutPrefix(token, typePrefix); ok {
		if t == "" {
			return Subject{}, fmt.Errorf("subject %q has no device type", token)
		}
		return TypeClass(t), nil
	}
	return Concrete(token), nil
}

// IsTypeClass reports whether the subject is a device type wildcard
func (s Subject) IsTypeClass() bool {
	return s.deviceType != ""
}

// DeviceID returns the concrete device id, empty for type classes
func (s Subject) DeviceID() string {
	return s.deviceID
}

// DeviceType returns the device type, empty for concrete subjects
func (s Subject) DeviceType() string {
	return s.deviceType
}

// String returns the token form of the subject
func (s Subject) String() string {
	if s.IsTypeClass() {
		return typePrefix + s.deviceType
	}
	return s.deviceID
}

// DeviceSource lists the known devices
type DeviceSource interface {
	ListDevices(ctx context.Context) ([]store.Device, error)
}

type snapshot struct {
	typeOf map[string]string
	byType map[string][]string
	all    []string
}

// Registry resolves subjects against the current device inventory. The
// inventory is replaced as a whole on Refresh.
type Registry struct {
	source  DeviceSource
	logger  *slog.Logger
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry. Call Refresh to load devices.
func NewRegistry(source DeviceSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{source: source, logger: logger.With("component", "subjects")}
	r.current.Store(&snapshot{typeOf: map[string]string{}, byType: map[string][]string{}})
	return r
}

// Refresh reloads the device inventory. On failure the previous inventory stays.
func (r *Registry) Refresh(ctx context.Context) error {
	devices, err := r.source.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh subjects: %w", err)
	}

	snap := &snapshot{
		typeOf: make(map[string]string, len(devices)),
		byType: make(map[string][]string),
	}
	for _, d := range devices {
		t := strings.ToLower(d.DeviceType)
		snap.typeOf[d.ID] = t
		snap.byType[t] = append(snap.byType[t], d.ID)
		snap.all = append(snap.all, d.ID)
	}
	sort.Strings(snap.all)
	for _, ids := range snap.byType {
		sort.Strings(ids)
	}

	r.current.Store(snap)
	r.logger.Info("Subjects refreshed", "devices", len(devices), "types", len(snap.byType))
	return nil
}

// Resolve returns the concrete devices a subject currently covers
func (r *Registry) Resolve(s Subject) []string {
	if !s.IsTypeClass() {
		if s.deviceID == "" {
			return nil
		}
		return []string{s.deviceID}
	}
	snap := r.current.Load()
	var ids []string
	if s.deviceType == AnyType {
		ids = snap.all
	} else {
		ids = snap.byType[s.deviceType]
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Matches reports whether deviceID is covered by the subject
func (r *Registry) Matches(s Subject, deviceID string) bool {
	if !s.IsTypeClass() {
		return s.deviceID == deviceID
	}
	t, ok := r.current.Load().typeOf[deviceID]
	if !ok {
		return false
	}
	return s.deviceType == AnyType || s.deviceType == t
}

// Known reports whether the device is in the inventory
func (r *Registry) Known(deviceID string) bool {
	_, ok := r.current.Load().typeOf[deviceID]
	return ok
}

// TypeOf returns the device type of a known device
func (r *Registry) TypeOf(deviceID string) (string, bool) {
	t, ok := r.current.Load().typeOf[deviceID]
	return t, ok
}

// Count returns the number of known devices
func (r *Registry) Count() int {
	return len(r.current.Load().all)
}
