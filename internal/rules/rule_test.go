package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-NVR/SpatialRTLS/internal/store"
)

func TestParse(t *testing.T) {
	rule, err := Parse(store.Rule{
		ID:        7,
		Name:      "Loitering",
		IsEnabled: true,
		Priority:  3,
		Conditions: []byte(`{
			"rule_type": "Zone_Stay",
			"subject_id": "device_type:tag",
			"zone": 12,
			"duration_sec": 300,
			"exclude_parent_zone": "virtual_1_inside"
		}`),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), rule.ID)
	assert.Equal(t, "Loitering", rule.Name)
	assert.Equal(t, 3, rule.Priority)
	assert.Equal(t, ZoneStay, rule.Type())
	assert.Equal(t, ZoneRef("12"), rule.Conditions.Zone)
	assert.Equal(t, ZoneRef("virtual_1_inside"), rule.Conditions.ExcludeParentZone)
	assert.True(t, rule.Subject.IsTypeClass())
	assert.Equal(t, "tag", rule.Subject.DeviceType())
}

func TestParseProximity(t *testing.T) {
	rule, err := Parse(storedRule(1, `{"rule_type":"proximity_condition","subject_id":"T1","to_zone":"outside","proximity_target":"device_type:badge","proximity_distance":3.5}`))
	require.NoError(t, err)

	assert.Equal(t, "device_type:badge", rule.Proximity.String())
	assert.Equal(t, 3.5, rule.Conditions.ProximityDistance)
	assert.Equal(t, ZoneRef("outside"), rule.Conditions.transitionZone())
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name       string
		conditions string
	}{
		{"empty", ``},
		{"malformed json", `{"rule_type":`},
		{"unknown type", `{"rule_type":"teleport","subject_id":"T1"}`},
		{"missing subject", `{"rule_type":"zone_transition","to_zone":3}`},
		{"type wildcard without type", `{"rule_type":"zone_transition","subject_id":"device_type:","to_zone":3}`},
		{"stay without zone", `{"rule_type":"zone_stay","subject_id":"T1","duration_sec":10}`},
		{"stay without duration", `{"rule_type":"zone_stay","subject_id":"T1","zone":3}`},
		{"transition without to_zone", `{"rule_type":"zone_transition","subject_id":"T1","from_zone":3}`},
		{"proximity without target", `{"rule_type":"proximity_condition","subject_id":"T1","to_zone":3}`},
		{"zone as bool", `{"rule_type":"zone_transition","subject_id":"T1","to_zone":true}`},
		{"fractional zone", `{"rule_type":"zone_transition","subject_id":"T1","to_zone":2.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(storedRule(1, tt.conditions))
			assert.Error(t, err)
		})
	}
}

func TestParseLayeredTrigger(t *testing.T) {
	rule, err := Parse(storedRule(4, `{"rule_type":"layered_trigger","subject_id":"device_type:any"}`))
	require.NoError(t, err)
	assert.Equal(t, LayeredTrigger, rule.Type())
}
