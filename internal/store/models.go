// Package store implements the collaborator query interfaces of the RTLS core
// (zone hierarchy, regions, triggers, rules and devices) on the SQL store.
package store

import (
	"encoding/json"
	"errors"

	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
)

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// Zone is a node of the zone hierarchy. ParentID is 0 for roots.
type Zone struct {
	ID         int64  `json:"zone_id"`
	Name       string `json:"name"`
	ZoneTypeID int64  `json:"zone_type_id"`
	ZoneType   string `json:"zone_type"`
	ParentID   int64  `json:"parent_zone_id,omitempty"`
	MapID      int64  `json:"map_id"`
}

// IsRoot reports whether the zone has no parent
func (z Zone) IsRoot() bool {
	return z.ParentID == 0
}

// Region is a stored containment region with its optional polygon
type Region struct {
	ID       int64        `json:"region_id"`
	ZoneID   int64        `json:"zone_id"`
	Box      geo.Box      `json:"bounding_box"`
	Vertices []geo.Vertex `json:"vertices,omitempty"`
}

// Shape builds the region's containment volume
func (r Region) Shape() (geo.Shape, error) {
	return geo.RegionShape(r.Box, r.Vertices)
}

// Trigger is a stored trigger row. Direction is the direction name, empty
// when the row has no valid direction mapping.
type Trigger struct {
	ID             int64   `json:"trigger_id"`
	Name           string  `json:"name"`
	Direction      string  `json:"direction"`
	ZoneID         int64   `json:"zone_id"`
	IsPortable     bool    `json:"is_portable"`
	IgnoreUnknowns bool    `json:"ignore_unknowns"`
	AssignedTagID  string  `json:"assigned_tag_id,omitempty"`
	RadiusFt       float64 `json:"radius_ft,omitempty"`
	ZMin           float64 `json:"z_min,omitempty"`
	ZMax           float64 `json:"z_max,omitempty"`
	Region         *Region `json:"region,omitempty"`
}

// Rule is a stored temporal rule with raw JSON conditions
type Rule struct {
	ID         int64           `json:"rule_id"`
	Name       string          `json:"name"`
	IsEnabled  bool            `json:"is_enabled"`
	Priority   int             `json:"priority"`
	Conditions json.RawMessage `json:"conditions"`
}

// Device is a known tag and its device type
type Device struct {
	ID           string `json:"device_id"`
	Name         string `json:"name"`
	DeviceTypeID int64  `json:"device_type_id"`
	DeviceType   string `json:"device_type"`
}
