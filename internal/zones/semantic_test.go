package zones

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		token string
		want  Target
	}{
		{"42", Target{ZoneID: 42}},
		{" 7 ", Target{ZoneID: 7}},
		{"inside", Target{Semantic: Inside, CampusID: 1}},
		{"OUTSIDE", Target{Semantic: Outside, CampusID: 1}},
		{"virtual_3_outside", Target{Semantic: Outside, CampusID: 3}},
		{"virtual_3_inside", Target{Semantic: Inside, CampusID: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := ParseTarget(tt.token, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTargetInvalid(t *testing.T) {
	for _, token := range []string{"", "0", "-4", "virtual_3", "virtual_x_inside", "virtual_3_roof", "lobby"} {
		t.Run(token, func(t *testing.T) {
			_, err := ParseTarget(token, 1)
			assert.Error(t, err)
		})
	}
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "12", Target{ZoneID: 12}.String())
	assert.Equal(t, "inside", Target{Semantic: Inside}.String())
	assert.Equal(t, "virtual_2_outside", Target{Semantic: Outside, CampusID: 2}.String())
}
