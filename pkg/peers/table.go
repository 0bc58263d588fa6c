package peers

import (
	"sort"
	"sync"
	"time"
)

// Transition classifies the effect one announcement had on the table.
type Transition uint8

const (
	TransitionNone      Transition = iota // no table change
	TransitionAdded                       // first record for this identity
	TransitionUpdated                     // observable fields changed
	TransitionRefreshed                   // only LastSeen/Seq advanced
	TransitionStale                       // sequence regression, dropped
	TransitionRemoved                     // record evicted
)

func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionAdded:
		return "added"
	case TransitionUpdated:
		return "updated"
	case TransitionRefreshed:
		return "refreshed"
	case TransitionStale:
		return "stale"
	case TransitionRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Table is the in-memory map of known masters, at most one live record per
// identity. It is a pure data structure: liveness rules (sequence checks,
// timeouts, restart replacement) live in Tracker. Mutation is serialized by
// the internal lock; Snapshot returns an independent sorted copy so readers
// never observe a half-applied update.
type Table struct {
	mu         sync.RWMutex
	records    map[PeerIdentity]PeerRecord
	byEndpoint map[string]PeerIdentity
}

func NewTable() *Table {
	return &Table{
		records:    make(map[PeerIdentity]PeerRecord),
		byEndpoint: make(map[string]PeerIdentity),
	}
}

func (t *Table) Get(id PeerIdentity) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	return rec, ok
}

// AtEndpoint returns the identity currently occupying addr:port, if any.
// Used to detect a restarted instance reusing its predecessor's endpoint.
func (t *Table) AtEndpoint(endpoint string) (PeerIdentity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byEndpoint[endpoint]
	return id, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Upsert inserts or overwrites the record for rec.Identity and reports
// whether that was an insert, a field update, or a timestamp-only refresh.
// LastSeen never regresses: an older timestamp keeps the stored one.
func (t *Table) Upsert(rec PeerRecord) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.records[rec.Identity]
	if !ok {
		t.records[rec.Identity] = rec
		t.byEndpoint[rec.Identity.Endpoint()] = rec.Identity
		return TransitionAdded
	}
	if rec.LastSeen.Before(old.LastSeen) {
		rec.LastSeen = old.LastSeen
	}
	t.records[rec.Identity] = rec
	if old.Name != rec.Name || old.Caps != rec.Caps {
		return TransitionUpdated
	}
	return TransitionRefreshed
}

func (t *Table) Remove(id PeerIdentity) (PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return PeerRecord{}, false
	}
	delete(t.records, id)
	ep := id.Endpoint()
	if t.byEndpoint[ep] == id {
		delete(t.byEndpoint, ep)
	}
	return rec, true
}

// Snapshot returns every record, sorted by identity.
func (t *Table) Snapshot() []PeerRecord {
	t.mu.RLock()
	out := make([]PeerRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.Less(out[j].Identity)
	})
	return out
}

// Expired returns the identities whose records have not been refreshed
// within timeout as of now, sorted for deterministic sweeps.
func (t *Table) Expired(now time.Time, timeout time.Duration) []PeerIdentity {
	t.mu.RLock()
	var out []PeerIdentity
	for id, rec := range t.records {
		if now.Sub(rec.LastSeen) > timeout {
			out = append(out, id)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
