package relay

import (
	"sort"
	"sync"
)

// Subscription is what one peer asked to receive
type Subscription struct {
	PeerID string `json:"peer_id"`
	All    bool   `json:"all"`
	// Devices maps device ids to whether their data was requested
	Devices map[string]bool `json:"devices"`
	ZoneID  int64           `json:"zone_id,omitempty"`
}

// Covers reports whether a frame for deviceID in zoneID should be delivered
func (s *Subscription) Covers(deviceID string, zoneID int64) bool {
	if s.ZoneID != 0 && s.ZoneID != zoneID {
		return false
	}
	return s.All || s.Devices[deviceID]
}

// Registry is the authoritative set of active subscriptions, keyed by peer
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Begin replaces the subscription of a peer
func (r *Registry) Begin(peerID string, params []StreamParam, zoneID int64) *Subscription {
	sub := &Subscription{PeerID: peerID, Devices: make(map[string]bool, len(params)), ZoneID: zoneID}
	for _, p := range params {
		if p.ID == Wildcard {
			sub.All = sub.All || p.WantsData()
			continue
		}
		if p.ID != "" {
			sub.Devices[p.ID] = p.WantsData()
		}
	}

	r.mu.Lock()
	r.subs[peerID] = sub
	r.mu.Unlock()
	return sub
}

// End removes a peer's subscription, reporting whether it had one
func (r *Registry) End(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[peerID]
	delete(r.subs, peerID)
	return ok
}

// Match returns the peers whose subscription covers a frame
func (r *Registry) Match(deviceID string, zoneID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var peers []string
	for id, sub := range r.subs {
		if sub.Covers(deviceID, zoneID) {
			peers = append(peers, id)
		}
	}
	return peers
}

// Len returns the number of subscribed peers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns a copy of every subscription ordered by peer id
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		devices := make(map[string]bool, len(sub.Devices))
		for k, v := range sub.Devices {
			devices[k] = v
		}
		out = append(out, Subscription{PeerID: sub.PeerID, All: sub.All, Devices: devices, ZoneID: sub.ZoneID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
