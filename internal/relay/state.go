package relay

import "time"

// ConnState is the handshake state of a relay link
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Handshaking
	Streaming
	Draining
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	}
	return "unknown"
}

// Backoff yields reconnect delays that double from Initial up to Max. It
// never runs out: a relay link retries for as long as the process lives.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// NewBackoff creates a backoff; zero values default to 5s and 60s
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &Backoff{Initial: initial, Max: maxDelay}
}

// Next returns the delay before the next attempt
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	if b.next < b.Max {
		b.next *= 2
		if b.next > b.Max {
			b.next = b.Max
		}
	}
	return d
}

// Reset restarts the sequence after a successful connection
func (b *Backoff) Reset() {
	b.next = 0
}
