// Package geo implements the 3D containment volumes used by zone resolution
// and trigger evaluation: axis-aligned boxes, polygon prisms and cylinders.
package geo

import (
	"math"
	"sort"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
)

// Point is a position in campus coordinates (feet)
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HorizontalDistance returns the distance between two points in the XY plane
func (p Point) HorizontalDistance(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Shape is any volume that can answer a containment query
type Shape interface {
	Contains(p Point) bool
}

// Box is an axis-aligned bounding volume. Bounds are inclusive.
type Box struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// Contains reports whether p lies within the box
func (b Box) Contains(p Point) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Area returns the footprint of the box in the XY plane
func (b Box) Area() float64 {
	return math.Abs(b.Max.X-b.Min.X) * math.Abs(b.Max.Y-b.Min.Y)
}

// Volume returns the box volume
func (b Box) Volume() float64 {
	return b.Area() * math.Abs(b.Max.Z-b.Min.Z)
}

// Polygon is a closed shape in the XY plane. Z of each point is ignored.
type Polygon []Point

// ContainsPoint checks if a point is inside the polygon using ray casting
// (even-odd rule)
func (p Polygon) ContainsPoint(pt Point) bool {
	if len(p) < 3 {
		return false
	}

	n := len(p)
	inside := false

	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := p[i].X, p[i].Y
		xj, yj := p[j].X, p[j].Y

		if ((yi > pt.Y) != (yj > pt.Y)) &&
			(pt.X < (xj-xi)*(pt.Y-yi)/(yj-yi)+xi) {
			inside = !inside
		}
		j = i
	}

	return inside
}

// Area returns the absolute shoelace area of the polygon
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var sum float64
	j := len(p) - 1
	for i := range p {
		sum += (p[j].X + p[i].X) * (p[j].Y - p[i].Y)
		j = i
	}
	return math.Abs(sum) / 2
}

// Prism is a polygon footprint extruded between two heights
type Prism struct {
	Footprint Polygon
	ZMin      float64
	ZMax      float64
}

// Contains reports whether p is within the height range and the footprint
func (pr Prism) Contains(p Point) bool {
	if p.Z < pr.ZMin || p.Z > pr.ZMax {
		return false
	}
	return pr.Footprint.ContainsPoint(p)
}

// Cylinder is a vertical cylinder used by portable triggers
type Cylinder struct {
	Center Point
	Radius float64
	ZMin   float64
	ZMax   float64
}

// NewCylinder validates and builds a cylinder
func NewCylinder(center Point, radius, zMin, zMax float64) (Cylinder, error) {
	if radius <= 0 {
		return Cylinder{}, errs.Newf(errs.Geometry, "cylinder", "radius must be positive, got %g", radius)
	}
	if zMin >= zMax {
		return Cylinder{}, errs.Newf(errs.Geometry, "cylinder", "z range [%g, %g] is empty", zMin, zMax)
	}
	return Cylinder{Center: center, Radius: radius, ZMin: zMin, ZMax: zMax}, nil
}

// Contains reports whether p is within radius horizontally and inside the z range
func (c Cylinder) Contains(p Point) bool {
	if p.Z < c.ZMin || p.Z > c.ZMax {
		return false
	}
	return c.Center.HorizontalDistance(p) <= c.Radius
}

// MoveTo returns the same cylinder re-centred on p
func (c Cylinder) MoveTo(p Point) Cylinder {
	c.Center = p
	return c
}

// Vertex is a stored polygon vertex with its drawing order
type Vertex struct {
	X     float64
	Y     float64
	Z     float64
	Order int
}

// RegionShape builds the containment volume of a stored region. A region
// without vertices is its bounding box. With vertices it is a prism over the
// ordered polygon, bounded in z by the box.
func RegionShape(box Box, vertices []Vertex) (Shape, error) {
	if len(vertices) == 0 {
		return box, nil
	}
	if len(vertices) < 3 {
		return nil, errs.Newf(errs.Geometry, "region", "polygon needs at least 3 vertices, got %d", len(vertices))
	}

	ordered := make([]Vertex, len(vertices))
	copy(ordered, vertices)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	footprint := make(Polygon, len(ordered))
	for i, v := range ordered {
		footprint[i] = Point{X: v.X, Y: v.Y, Z: v.Z}
	}

	return Prism{Footprint: footprint, ZMin: box.Min.Z, ZMax: box.Max.Z}, nil
}
