// Package triggers evaluates tag positions against static and portable
// geofences and emits TriggerEvents according to each trigger's direction.
package triggers

import (
	"strings"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

// Direction is the firing semantic of a trigger
type Direction string

const (
	WhileIn  Direction = "WhileIn"
	WhileOut Direction = "WhileOut"
	OnEnter  Direction = "OnEnter"
	OnExit   Direction = "OnExit"
	OnCross  Direction = "OnCross"
)

// ParseDirection maps a stored direction name to a Direction
func ParseDirection(s string) (Direction, bool) {
	for _, d := range []Direction{WhileIn, WhileOut, OnEnter, OnExit, OnCross} {
		if strings.EqualFold(s, string(d)) {
			return d, true
		}
	}
	return "", false
}

// Fires reports whether a sample fires given the previous and current
// containment of the (trigger, tag) pair
func (d Direction) Fires(wasInside, inside bool) bool {
	switch d {
	case WhileIn:
		return inside
	case WhileOut:
		return !inside
	case OnEnter:
		return !wasInside && inside
	case OnExit:
		return wasInside && !inside
	case OnCross:
		return wasInside != inside
	}
	return false
}

// Portable is the geometry of a trigger that follows its assigned tag
type Portable struct {
	AssignedTagID string
	cylinder      geo.Cylinder
	placed        bool
}

// Center returns the last known position of the assigned tag
func (p *Portable) Center() (geo.Point, bool) {
	return p.cylinder.Center, p.placed
}

// Trigger is a loaded trigger ready for evaluation
type Trigger struct {
	ID             int64
	Name           string
	Direction      Direction
	ZoneID         int64
	IgnoreUnknowns bool

	shape    geo.Shape
	portable *Portable
}

// IsPortable reports whether the trigger follows a tag
func (t *Trigger) IsPortable() bool {
	return t.portable != nil
}

// Portable returns the portable geometry, nil for static triggers
func (t *Trigger) Portable() *Portable {
	return t.portable
}

// Contains tests p against the trigger geometry. A portable trigger whose
// tag has not reported yet contains nothing.
func (t *Trigger) Contains(p geo.Point) bool {
	if t.portable != nil {
		return t.portable.placed && t.portable.cylinder.Contains(p)
	}
	return t.shape.Contains(p)
}

// moveTo re-centres a portable trigger on its tag
func (t *Trigger) moveTo(p geo.Point) {
	t.portable.cylinder = t.portable.cylinder.MoveTo(p)
	t.portable.placed = true
}

// FromRecord builds a trigger from its stored row. Rows that cannot form a
// usable geometry or direction return a geometry error.
func FromRecord(rec store.Trigger) (*Trigger, error) {
	dir, ok := ParseDirection(rec.Direction)
	if !ok {
		return nil, errs.Newf(errs.Geometry, "trigger", "trigger %d has no valid direction mapping (%q)", rec.ID, rec.Direction)
	}

	t := &Trigger{
		ID:             rec.ID,
		Name:           rec.Name,
		Direction:      dir,
		ZoneID:         rec.ZoneID,
		IgnoreUnknowns: rec.IgnoreUnknowns,
	}

	if rec.IsPortable {
		if rec.AssignedTagID == "" {
			return nil, errs.Newf(errs.Geometry, "trigger", "portable trigger %d has no assigned tag", rec.ID)
		}
		cyl, err := geo.NewCylinder(geo.Point{}, rec.RadiusFt, rec.ZMin, rec.ZMax)
		if err != nil {
			return nil, err
		}
		t.portable = &Portable{AssignedTagID: rec.AssignedTagID, cylinder: cyl}
		return t, nil
	}

	if rec.Region == nil {
		return nil, errs.Newf(errs.Geometry, "trigger", "static trigger %d has no region", rec.ID)
	}
	shape, err := rec.Region.Shape()
	if err != nil {
		return nil, err
	}
	t.shape = shape
	return t, nil
}
