package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second)

	want := []time.Duration{5, 10, 20, 40, 60, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Next(), "attempt %d", i+1)
	}
}

func TestBackoffNeverExceedsCeiling(t *testing.T) {
	b := NewBackoff(7*time.Second, 60*time.Second)
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, b.Next(), 60*time.Second)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, 5*time.Second, b.Initial)
	assert.Equal(t, 60*time.Second, b.Max)

	b = NewBackoff(10*time.Second, time.Second)
	assert.Equal(t, 10*time.Second, b.Next())
	assert.Equal(t, 10*time.Second, b.Next())
}

func TestConnStateString(t *testing.T) {
	tests := map[ConnState]string{
		Disconnected:  "disconnected",
		Connecting:    "connecting",
		Handshaking:   "handshaking",
		Streaming:     "streaming",
		Draining:      "draining",
		ConnState(99): "unknown",
	}
	for st, want := range tests {
		assert.Equal(t, want, st.String())
	}
}
