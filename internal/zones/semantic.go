package zones

import (
	"fmt"
	"strconv"
	"strings"
)

// Semantic is the coarse inside/outside layer of a zone
type Semantic string

const (
	Inside  Semantic = "inside"
	Outside Semantic = "outside"
	Unknown Semantic = "unknown"
)

// Target is what a rule condition names: either a concrete zone or a
// semantic layer, optionally scoped to a campus
type Target struct {
	ZoneID   int64    `json:"zone_id,omitempty"`
	Semantic Semantic `json:"semantic,omitempty"`
	CampusID int64    `json:"campus_id,omitempty"`
}

// IsSemantic reports whether the target names inside/outside rather than a zone
func (t Target) IsSemantic() bool {
	return t.Semantic != ""
}

// String renders the target back to its token form
func (t Target) String() string {
	if !t.IsSemantic() {
		return strconv.FormatInt(t.ZoneID, 10)
	}
	if t.CampusID != 0 {
		return fmt.Sprintf("virtual_%d_%s", t.CampusID, t.Semantic)
	}
	return string(t.Semantic)
}

// ParseTarget decomposes a zone token. Accepted forms are a numeric zone id,
// "inside", "outside" and "virtual_<campusId>_<inside|outside>". A bare
// semantic token is scoped to campusID.
func ParseTarget(token string, campusID int64) (Target, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Target{}, fmt.Errorf("empty zone token")
	}

	if id, err := strconv.ParseInt(token, 10, 64); err == nil {
		if id <= 0 {
			return Target{}, fmt.Errorf("invalid zone id %d", id)
		}
		return Target{ZoneID: id}, nil
	}

	lower := strings.ToLower(token)
	if sem, ok := parseSemantic(lower); ok {
		return Target{Semantic: sem, CampusID: campusID}, nil
	}

	if rest, ok := strings.CutPrefix(lower, "virtual_"); ok {
		campusPart, layer, found := strings.Cut(rest, "_")
		if !found {
			return Target{}, fmt.Errorf("malformed virtual zone %q", token)
		}
		campus, err := strconv.ParseInt(campusPart, 10, 64)
		if err != nil {
			return Target{}, fmt.Errorf("malformed campus in virtual zone %q", token)
		}
		sem, ok := parseSemantic(layer)
		if !ok {
			return Target{}, fmt.Errorf("unknown layer %q in virtual zone %q", layer, token)
		}
		return Target{Semantic: sem, CampusID: campus}, nil
	}

	return Target{}, fmt.Errorf("unrecognised zone token %q", token)
}

func parseSemantic(s string) (Semantic, bool) {
	switch Semantic(s) {
	case Inside:
		return Inside, true
	case Outside:
		return Outside, true
	}
	return "", false
}
