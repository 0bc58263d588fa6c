package peers

import (
	"sync"
	"time"
)

// TrackerOptions tune how announcements are applied.
type TrackerOptions struct {
	// Timeout is how long a record may go without a refresh before the
	// sweep evicts it.
	Timeout time.Duration
	// EmitOnRefresh makes timestamp-only refreshes publish an Updated
	// event. Off by default: a steady heartbeat with unchanged fields is
	// not a table change worth announcing.
	EmitOnRefresh bool
}

// Tracker applies announcements to a Table under the liveness rules and
// publishes exactly one ChangeEvent per table transition, in transition
// order. The publish callback must not block; wire it to a Notifier.
//
// All writes go through the Tracker's lock, so concurrent backends (tick,
// sweep, listener) serialize here. The lock is never held across I/O.
type Tracker struct {
	mu      sync.Mutex
	table   *Table
	opts    TrackerOptions
	publish func(ChangeEvent)
}

func NewTracker(opts TrackerOptions, publish func(ChangeEvent)) *Tracker {
	if publish == nil {
		publish = func(ChangeEvent) {}
	}
	return &Tracker{
		table:   NewTable(),
		opts:    opts,
		publish: publish,
	}
}

// Apply folds one announcement into the table and reports what happened.
//
//   - Departing announcements remove the record immediately.
//   - A sequence number at or below the last applied one from the same
//     instance is stale and dropped without mutating state.
//   - A different GUID at an occupied endpoint is a restart: the old record
//     is removed (Removed event) before the new one is added, so the two
//     lifecycles never blend into one continuously-updated record.
//   - Otherwise insert (Added), field change (Updated), or refresh.
func (tr *Tracker) Apply(ann Announcement, now time.Time) Transition {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if ann.Departing {
		if _, ok := tr.table.Remove(ann.Identity); !ok {
			return TransitionNone
		}
		tr.publish(ChangeEvent{Kind: EventRemoved, Identity: ann.Identity, At: now})
		return TransitionRemoved
	}

	if prev, ok := tr.table.Get(ann.Identity); ok && ann.Seq <= prev.Seq {
		return TransitionStale
	}

	if old, ok := tr.table.AtEndpoint(ann.Identity.Endpoint()); ok && old != ann.Identity {
		tr.table.Remove(old)
		tr.publish(ChangeEvent{Kind: EventRemoved, Identity: old, At: now})
	}

	rec := PeerRecord{
		Identity: ann.Identity,
		Name:     ann.Name,
		Seq:      ann.Seq,
		LastSeen: now,
		Caps:     ann.Caps,
	}
	switch t := tr.table.Upsert(rec); t {
	case TransitionAdded:
		tr.publish(ChangeEvent{Kind: EventAdded, Identity: rec.Identity, Record: rec, At: now})
		return t
	case TransitionUpdated:
		tr.publish(ChangeEvent{Kind: EventUpdated, Identity: rec.Identity, Record: rec, At: now})
		return t
	default:
		if tr.opts.EmitOnRefresh {
			tr.publish(ChangeEvent{Kind: EventUpdated, Identity: rec.Identity, Record: rec, At: now})
		}
		return TransitionRefreshed
	}
}

// Sweep evicts every record older than the timeout as of now and publishes
// one Removed event per eviction. Deterministic for a fixed now and table
// state.
func (tr *Tracker) Sweep(now time.Time) []PeerIdentity {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	expired := tr.table.Expired(now, tr.opts.Timeout)
	for _, id := range expired {
		tr.table.Remove(id)
		tr.publish(ChangeEvent{Kind: EventRemoved, Identity: id, At: now})
	}
	return expired
}

// Flush removes every record, publishing Removed for each. Called on
// shutdown so subscribers converge to an empty peer set.
func (tr *Tracker) Flush(now time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, rec := range tr.table.Snapshot() {
		tr.table.Remove(rec.Identity)
		tr.publish(ChangeEvent{Kind: EventRemoved, Identity: rec.Identity, At: now})
	}
}

func (tr *Tracker) Get(id PeerIdentity) (PeerRecord, bool) { return tr.table.Get(id) }

// Timeout is the configured liveness window.
func (tr *Tracker) Timeout() time.Duration { return tr.opts.Timeout }

func (tr *Tracker) Len() int { return tr.table.Len() }

// Snapshot returns the current peer set, sorted by identity.
func (tr *Tracker) Snapshot() []PeerRecord { return tr.table.Snapshot() }
