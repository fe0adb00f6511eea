package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Spatial-NVR/SpatialRTLS/internal/geo"
)

// maxHierarchyDepth bounds the ancestor walk so a corrupted parent cycle
// cannot loop forever
const maxHierarchyDepth = 64

// Store answers the core's collaborator queries. Every method runs exactly
// one statement at a time and releases its connection before returning.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a store on an open connection pool
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// RegionsContaining returns every region whose bounding box contains p,
// with polygon vertices in drawing order
func (s *Store) RegionsContaining(ctx context.Context, p geo.Point) ([]Region, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.region_id, r.zone_id, r.min_x, r.min_y, r.min_z, r.max_x, r.max_y, r.max_z,
		       v.x, v.y, v.z, v.vertex_order
		FROM regions r
		LEFT JOIN vertices v ON v.region_id = r.region_id
		WHERE ? BETWEEN r.min_x AND r.max_x
		  AND ? BETWEEN r.min_y AND r.max_y
		  AND ? BETWEEN r.min_z AND r.max_z
		ORDER BY r.region_id, v.vertex_order
	`, p.X, p.Y, p.Z)
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	defer rows.Close()

	var regions []Region
	for rows.Next() {
		var r Region
		var vx, vy, vz sql.NullFloat64
		var order sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ZoneID,
			&r.Box.Min.X, &r.Box.Min.Y, &r.Box.Min.Z, &r.Box.Max.X, &r.Box.Max.Y, &r.Box.Max.Z,
			&vx, &vy, &vz, &order); err != nil {
			return nil, err
		}

		if n := len(regions); n == 0 || regions[n-1].ID != r.ID {
			regions = append(regions, r)
		}
		if order.Valid {
			last := &regions[len(regions)-1]
			last.Vertices = append(last.Vertices, geo.Vertex{X: vx.Float64, Y: vy.Float64, Z: vz.Float64, Order: int(order.Int64)})
		}
	}

	return regions, rows.Err()
}

// GetZone returns a zone with its type name
func (s *Store) GetZone(ctx context.Context, id int64) (*Zone, error) {
	z := &Zone{}
	var parent sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT z.zone_id, z.name, z.zone_type_id, COALESCE(t.name, ''), z.parent_zone_id, z.map_id
		FROM zones z
		LEFT JOIN zone_types t ON t.zone_type_id = z.zone_type_id
		WHERE z.zone_id = ?
	`, id).Scan(&z.ID, &z.Name, &z.ZoneTypeID, &z.ZoneType, &parent, &z.MapID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("zone %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zone %d: %w", id, err)
	}
	z.ParentID = parent.Int64
	return z, nil
}

// Ancestors returns the zone followed by its ancestors up to the root
func (s *Store) Ancestors(ctx context.Context, id int64) ([]Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(zone_id, depth) AS (
			SELECT zone_id, 0 FROM zones WHERE zone_id = ?
			UNION ALL
			SELECT z.parent_zone_id, c.depth + 1
			FROM zones z JOIN chain c ON z.zone_id = c.zone_id
			WHERE z.parent_zone_id IS NOT NULL AND c.depth < ?
		)
		SELECT z.zone_id, z.name, z.zone_type_id, COALESCE(t.name, ''), z.parent_zone_id, z.map_id
		FROM chain c
		JOIN zones z ON z.zone_id = c.zone_id
		LEFT JOIN zone_types t ON t.zone_type_id = z.zone_type_id
		ORDER BY c.depth
	`, id, maxHierarchyDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk ancestors of zone %d: %w", id, err)
	}
	defer rows.Close()

	var chain []Zone
	for rows.Next() {
		var z Zone
		var parent sql.NullInt64
		if err := rows.Scan(&z.ID, &z.Name, &z.ZoneTypeID, &z.ZoneType, &parent, &z.MapID); err != nil {
			return nil, err
		}
		z.ParentID = parent.Int64
		chain = append(chain, z)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("zone %d: %w", id, ErrNotFound)
	}
	return chain, nil
}

// ListTriggersForZone returns the triggers owned by a zone with their regions
func (s *Store) ListTriggersForZone(ctx context.Context, zoneID int64) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.trigger_id, t.name, COALESCE(d.name, ''), t.zone_id, t.is_portable, t.ignore_unknowns,
		       COALESCE(t.assigned_tag_id, ''), COALESCE(t.radius_ft, 0), COALESCE(t.z_min, 0), COALESCE(t.z_max, 0),
		       r.region_id, r.min_x, r.min_y, r.min_z, r.max_x, r.max_y, r.max_z
		FROM triggers t
		LEFT JOIN trigger_directions d ON d.direction_id = t.direction_id
		LEFT JOIN regions r ON r.region_id = t.region_id
		WHERE t.zone_id = ?
		ORDER BY t.trigger_id
	`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers for zone %d: %w", zoneID, err)
	}

	var triggers []Trigger
	regionIdx := map[int64][]int{}
	for rows.Next() {
		var t Trigger
		var regionID sql.NullInt64
		var minX, minY, minZ, maxX, maxY, maxZ sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.Name, &t.Direction, &t.ZoneID, &t.IsPortable, &t.IgnoreUnknowns,
			&t.AssignedTagID, &t.RadiusFt, &t.ZMin, &t.ZMax,
			&regionID, &minX, &minY, &minZ, &maxX, &maxY, &maxZ); err != nil {
			rows.Close()
			return nil, err
		}
		if regionID.Valid {
			t.Region = &Region{
				ID:     regionID.Int64,
				ZoneID: t.ZoneID,
				Box: geo.Box{
					Min: geo.Point{X: minX.Float64, Y: minY.Float64, Z: minZ.Float64},
					Max: geo.Point{X: maxX.Float64, Y: maxY.Float64, Z: maxZ.Float64},
				},
			}
			regionIdx[regionID.Int64] = append(regionIdx[regionID.Int64], len(triggers))
		}
		triggers = append(triggers, t)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	if len(regionIdx) == 0 {
		return triggers, nil
	}

	ids := make([]any, 0, len(regionIdx))
	for id := range regionIdx {
		ids = append(ids, id)
	}
	vrows, err := s.db.QueryContext(ctx, `
		SELECT region_id, x, y, z, vertex_order FROM vertices
		WHERE region_id IN (`+placeholders(len(ids))+`)
		ORDER BY region_id, vertex_order
	`, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger vertices: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var regionID int64
		var v geo.Vertex
		if err := vrows.Scan(&regionID, &v.X, &v.Y, &v.Z, &v.Order); err != nil {
			return nil, err
		}
		for _, i := range regionIdx[regionID] {
			triggers[i].Region.Vertices = append(triggers[i].Region.Vertices, v)
		}
	}

	return triggers, vrows.Err()
}

// ListTriggerZones returns every zone that owns at least one trigger
func (s *Store) ListTriggerZones(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT zone_id FROM triggers ORDER BY zone_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger zones: %w", err)
	}
	defer rows.Close()

	var zones []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		zones = append(zones, id)
	}
	return zones, rows.Err()
}

// UpdateTriggerZone moves a trigger to a new zone only if it is still in
// fromZone. It reports whether the row was updated, so a concurrent
// administrative edit is never silently overwritten.
func (s *Store) UpdateTriggerZone(ctx context.Context, triggerID, fromZone, toZone int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE triggers SET zone_id = ? WHERE trigger_id = ? AND zone_id = ?",
		toZone, triggerID, fromZone)
	if err != nil {
		return false, fmt.Errorf("failed to move trigger %d: %w", triggerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		s.logger.Warn("Trigger zone changed concurrently, move skipped",
			"trigger_id", triggerID, "from", fromZone, "to", toZone)
	}
	return n > 0, nil
}

// LoadRules returns every stored rule ordered by priority
func (s *Store) LoadRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, name, is_enabled, priority, conditions
		FROM rules ORDER BY priority DESC, rule_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var conditions string
		if err := rows.Scan(&r.ID, &r.Name, &r.IsEnabled, &r.Priority, &conditions); err != nil {
			return nil, err
		}
		r.Conditions = []byte(conditions)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListDevices returns every known device with its type name
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.device_id, d.name, d.device_type_id, COALESCE(t.name, '')
		FROM devices d
		LEFT JOIN device_types t ON t.device_type_id = d.device_type_id
		ORDER BY d.device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.DeviceTypeID, &d.DeviceType); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
