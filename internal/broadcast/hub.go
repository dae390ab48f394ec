// Package broadcast maintains the latest-value snapshot and fans out updates
// to connected dashboard subscribers.
package broadcast

import (
	"sync"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/metrics"
	"github.com/plantpulse-systems/plantpulse-ingest/internal/model"
)

// Hub owns the in-memory latest-reading-per-sensor snapshot. The snapshot is
// process-lifetime state, rebuilt from scratch after restart. Readers always
// receive copies, never live references.
type Hub struct {
	log    *logging.Logger
	buffer int

	mu       sync.RWMutex
	snapshot map[string]model.SnapshotEntry
	subs     map[*Subscriber]struct{}
}

// Subscriber is one connected dashboard stream. Updates arrive on a buffered
// channel; a subscriber that stops draining loses updates without affecting
// anyone else.
type Subscriber struct {
	hub      *Hub
	tenantID string

	mu     sync.Mutex
	ch     chan model.SnapshotEntry
	closed bool
}

// NewHub creates a hub. buffer is the per-subscriber channel capacity.
func NewHub(buffer int, log *logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		log:      log.Named("broadcast"),
		buffer:   buffer,
		snapshot: make(map[string]model.SnapshotEntry),
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Publish overwrites the snapshot entry for the sensor and pushes the change
// to every subscriber whose tenant scope matches. Sends are non-blocking: a
// full subscriber buffer drops the update for that subscriber only.
func (h *Hub) Publish(entry model.SnapshotEntry) {
	h.mu.Lock()
	h.snapshot[entry.SensorKey] = entry
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.wants(entry) {
			s.send(entry)
		}
	}
}

// Snapshot returns a copy of the current snapshot scoped to a tenant. An
// empty tenantID (platform scope) returns everything.
func (h *Hub) Snapshot(tenantID string) []model.SnapshotEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]model.SnapshotEntry, 0, len(h.snapshot))
	for _, entry := range h.snapshot {
		if tenantID == "" || entry.TenantID == tenantID || entry.TenantID == "" {
			out = append(out, entry)
		}
	}
	return out
}

// Subscribe registers a new subscriber scoped to a tenant.
func (h *Hub) Subscribe(tenantID string) *Subscriber {
	s := &Subscriber{
		hub:      h,
		tenantID: tenantID,
		ch:       make(chan model.SnapshotEntry, h.buffer),
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	h.log.Debug("subscriber connected", "subscribers", n)
	return s
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// send delivers without blocking. The lock serializes against Close so a
// late publish can never hit a closed channel.
func (s *Subscriber) send(entry model.SnapshotEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- entry:
	default:
		metrics.BroadcastDroppedTotal.Inc()
	}
}

func (s *Subscriber) wants(entry model.SnapshotEntry) bool {
	// Entries without tenant context are visible to everyone; this matches
	// the legacy-topic behavior where unresolved sensors stay dashboard
	// visible rather than disappearing.
	return s.tenantID == "" || entry.TenantID == s.tenantID || entry.TenantID == ""
}

// Updates returns the subscriber's update channel. The channel closes when
// the subscriber is closed.
func (s *Subscriber) Updates() <-chan model.SnapshotEntry {
	return s.ch
}

// Close deregisters the subscriber and closes its channel. Safe to call more
// than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	n := len(s.hub.subs)
	s.hub.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	s.hub.log.Debug("subscriber disconnected", "subscribers", n)
}
