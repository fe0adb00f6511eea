package api

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
	"github.com/Spatial-NVR/SpatialRTLS/internal/relay"
)

const maxDeviceIDLength = 128

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// PositionValidator validates pushed GISData frames
type PositionValidator struct {
	errors ValidationErrors
	prefix string
}

// NewPositionValidator creates a new position validator
func NewPositionValidator() *PositionValidator {
	return &PositionValidator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates one frame and returns it as a sample when valid
func (v *PositionValidator) Validate(g relay.GISData) (events.PositionSample, ValidationErrors) {
	return v.validateAt("", g)
}

// ValidateAll validates a batch; field names carry the entry index
func (v *PositionValidator) ValidateAll(frames []relay.GISData) ([]events.PositionSample, ValidationErrors) {
	var (
		samples []events.PositionSample
		all     ValidationErrors
	)
	for i, g := range frames {
		s, errs := v.validateAt(fmt.Sprintf("[%d].", i), g)
		if errs.HasErrors() {
			all = append(all, errs...)
			continue
		}
		samples = append(samples, s)
	}
	if all.HasErrors() {
		return nil, all
	}
	return samples, nil
}

func (v *PositionValidator) validateAt(prefix string, g relay.GISData) (events.PositionSample, ValidationErrors) {
	v.errors = make(ValidationErrors, 0)
	v.prefix = prefix

	if g.Type != "" && g.Type != relay.TypeGISData {
		v.add("type", fmt.Sprintf("must be %s", relay.TypeGISData))
	}
	v.validateID(g.ID)
	if g.CNF < 0 || g.CNF > 1 {
		v.add("CNF", "confidence must be between 0 and 1")
	}
	if g.Bat < 0 || g.Bat > 100 {
		v.add("Bat", "battery level must be between 0 and 100")
	}
	if g.Sequence < 0 {
		v.add("Sequence", "sequence number must not be negative")
	}
	if g.ZoneID < 0 {
		v.add("zone_id", "zone id must not be negative")
	}

	if v.errors.HasErrors() {
		return events.PositionSample{}, v.errors
	}
	s, err := g.Sample()
	if err != nil {
		v.add("TS", err.Error())
		return events.PositionSample{}, v.errors
	}
	return s, nil
}

func (v *PositionValidator) validateID(id string) {
	if id == "" {
		v.add("ID", "device id is required")
		return
	}
	if len(id) > maxDeviceIDLength {
		v.add("ID", fmt.Sprintf("device id must be at most %d characters", maxDeviceIDLength))
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		v.add("ID", "device id must not contain whitespace")
	}
}

func (v *PositionValidator) add(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: v.prefix + field, Message: message})
}
