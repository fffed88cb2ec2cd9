package hub

import (
	"sync"
	"time"

	"fleethub/internal/wire"
)

const onlineWindow = 30 * time.Second

// registryEntry is the in-memory record for one agent. lastUpdated and
// hasSample stay zero until the first metrics frame arrives, so a freshly
// authenticated agent reads as offline with no metrics until it reports.
type registryEntry struct {
	latest      wire.SystemMetrics
	lastUpdated time.Time
	hasSample   bool
	sink        chan []byte
	// sessionID disambiguates which session currently owns this entry, so a
	// stale session's cleanup can't clobber a newer one that authenticated
	// with the same server_id.
	sessionID uint64
}

// Registry is the process-wide server_id -> (latest sample, last-seen,
// command sink) mapping. Mutated by the session layer only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	nextID  uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Authenticate registers a fresh sink for server_id, replacing any existing
// entry, and returns a session token the caller must present to Remove so a
// superseded session's cleanup is a no-op.
func (r *Registry) Authenticate(serverID string) (sink chan []byte, sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sid := r.nextID
	ch := make(chan []byte, 16)
	r.entries[serverID] = &registryEntry{sink: ch, sessionID: sid}
	return ch, sid
}

// Upsert records a fresh sample and timestamp for an already-authenticated
// server_id. It is a no-op if the server was never authenticated (or has
// since been removed).
func (r *Registry) Upsert(serverID string, m wire.SystemMetrics, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[serverID]
	if !ok {
		return
	}
	e.latest = m
	e.lastUpdated = now
	e.hasSample = true
}

// Remove deletes the entry for server_id, but only if it is still owned by
// sessionID, so a stale session's cleanup never removes a newer
// registration.
func (r *Registry) Remove(serverID string, sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[serverID]
	if !ok || e.sessionID != sessionID {
		return
	}
	delete(r.entries, serverID)
}

// LookupSink returns the command inbox for an authenticated agent, or false.
func (r *Registry) LookupSink(serverID string) (chan []byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serverID]
	if !ok {
		return nil, false
	}
	return e.sink, true
}

// snapshotEntry is a point-in-time copy handed to the composer.
type snapshotEntry struct {
	ServerID    string
	Latest      wire.SystemMetrics
	LastUpdated time.Time
	HasSample   bool
}

// Snapshot returns a copy of every registered entry, so callers never hold
// a reference into the live map.
func (r *Registry) Snapshot() []snapshotEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]snapshotEntry, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, snapshotEntry{
			ServerID:    id,
			Latest:      e.latest,
			LastUpdated: e.lastUpdated,
			HasSample:   e.hasSample,
		})
	}
	return out
}

// Online reports whether lastUpdated falls within the 30s online window of
// now.
func Online(lastUpdated, now time.Time) bool {
	if lastUpdated.IsZero() {
		return false
	}
	return now.Sub(lastUpdated) < onlineWindow
}

// Len reports the number of registered agents, used to decide whether the
// composer's 1-second tick has anything to emit.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
