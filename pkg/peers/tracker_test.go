package peers

import (
	"testing"
	"time"
)

type eventLog struct {
	events []ChangeEvent
}

func (l *eventLog) publish(ev ChangeEvent) { l.events = append(l.events, ev) }

func (l *eventLog) kinds() []EventKind {
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestTracker(t *testing.T, opts TrackerOptions) (*Tracker, *eventLog) {
	t.Helper()
	log := &eventLog{}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return NewTracker(opts, log.publish), log
}

func ann(id PeerIdentity, name string, seq uint64) Announcement {
	return Announcement{Identity: id, Name: name, Seq: seq, Caps: CapHeartbeat}
}

func kindsEqual(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyConvergesToLastAnnouncement(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{})
	id := ident("10.0.0.1", 11311, "guid-a")
	now := time.Unix(1000, 0)

	for seq := uint64(1); seq <= 4; seq++ {
		tr.Apply(ann(id, "alpha", seq), now.Add(time.Duration(seq)*time.Second))
	}

	got, ok := tr.Get(id)
	if !ok {
		t.Fatalf("record missing after announcements")
	}
	if got.Seq != 4 {
		t.Fatalf("Seq = %d, want 4", got.Seq)
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}
	// Only the first announcement changes observable fields.
	if !kindsEqual(log.kinds(), []EventKind{EventAdded}) {
		t.Fatalf("events = %v, want [added]", log.kinds())
	}
}

func TestApplyRejectsStaleSequence(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{})
	id := ident("10.0.0.1", 11311, "guid-a")
	now := time.Unix(1000, 0)

	tr.Apply(ann(id, "alpha", 5), now)

	for _, seq := range []uint64{5, 4, 1} {
		if got := tr.Apply(ann(id, "renamed", seq), now.Add(time.Second)); got != TransitionStale {
			t.Fatalf("Apply(seq=%d) = %v, want stale", seq, got)
		}
	}

	got, _ := tr.Get(id)
	if got.Name != "alpha" || got.Seq != 5 || !got.LastSeen.Equal(now) {
		t.Fatalf("stale announcement mutated record: %+v", got)
	}
	if !kindsEqual(log.kinds(), []EventKind{EventAdded}) {
		t.Fatalf("events = %v, want [added]", log.kinds())
	}
}

func TestApplyEmitsUpdatedOnFieldChange(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{})
	id := ident("10.0.0.1", 11311, "guid-a")
	now := time.Unix(1000, 0)

	tr.Apply(ann(id, "alpha", 1), now)
	tr.Apply(ann(id, "alpha", 2), now.Add(time.Second)) // refresh, no event
	tr.Apply(ann(id, "beta", 3), now.Add(2*time.Second))

	if !kindsEqual(log.kinds(), []EventKind{EventAdded, EventUpdated}) {
		t.Fatalf("events = %v, want [added updated]", log.kinds())
	}
}

func TestApplyEmitOnRefreshToggle(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{EmitOnRefresh: true})
	id := ident("10.0.0.1", 11311, "guid-a")
	now := time.Unix(1000, 0)

	tr.Apply(ann(id, "alpha", 1), now)
	tr.Apply(ann(id, "alpha", 2), now.Add(time.Second))

	if !kindsEqual(log.kinds(), []EventKind{EventAdded, EventUpdated}) {
		t.Fatalf("events = %v, want [added updated]", log.kinds())
	}
}

func TestRestartReplacesRecord(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{})
	old := ident("10.0.0.1", 11311, "guid-old")
	fresh := ident("10.0.0.1", 11311, "guid-new")
	now := time.Unix(1000, 0)

	tr.Apply(ann(old, "alpha", 100), now)
	// Restarted instance: same endpoint, new GUID, sequence starts over.
	tr.Apply(ann(fresh, "alpha", 1), now.Add(time.Second))

	if _, ok := tr.Get(old); ok {
		t.Fatalf("old instance survived restart")
	}
	got, ok := tr.Get(fresh)
	if !ok || got.Seq != 1 {
		t.Fatalf("new instance record = %+v,%v", got, ok)
	}
	want := []EventKind{EventAdded, EventRemoved, EventAdded}
	if !kindsEqual(log.kinds(), want) {
		t.Fatalf("events = %v, want %v", log.kinds(), want)
	}
	if log.events[1].Identity != old || log.events[2].Identity != fresh {
		t.Fatalf("replacement event identities wrong: %+v", log.events)
	}
}

func TestDepartingRemovesImmediately(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{})
	id := ident("10.0.0.1", 11311, "guid-a")
	now := time.Unix(1000, 0)

	tr.Apply(ann(id, "alpha", 1), now)
	a := ann(id, "alpha", 2)
	a.Departing = true
	if got := tr.Apply(a, now.Add(time.Second)); got != TransitionRemoved {
		t.Fatalf("departing Apply = %v, want removed", got)
	}
	if tr.Len() != 0 {
		t.Fatalf("Len = %d after departure, want 0", tr.Len())
	}
	// Departure for an unknown identity is a no-op.
	if got := tr.Apply(a, now.Add(2*time.Second)); got != TransitionNone {
		t.Fatalf("repeat departure = %v, want none", got)
	}
	if !kindsEqual(log.kinds(), []EventKind{EventAdded, EventRemoved}) {
		t.Fatalf("events = %v, want [added removed]", log.kinds())
	}
}

func TestSweepEvictsOnlyExpired(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{Timeout: 5 * time.Second})
	a := ident("10.0.0.1", 11311, "a")
	b := ident("10.0.0.2", 11311, "b")
	base := time.Unix(1000, 0)

	// A advertises at t=0..3 then stops; B keeps going.
	for i := 0; i < 4; i++ {
		tr.Apply(ann(a, "a", uint64(i+1)), base.Add(time.Duration(i)*time.Second))
	}
	tr.Apply(ann(b, "b", 1), base.Add(9*time.Second))

	// First sweep after A's deadline (lastSeen t=3, timeout 5s).
	removed := tr.Sweep(base.Add(8*time.Second + 500*time.Millisecond))
	if len(removed) != 1 || removed[0] != a {
		t.Fatalf("sweep removed %v, want [%v]", removed, a)
	}
	if _, ok := tr.Get(b); !ok {
		t.Fatalf("live peer swept")
	}

	// A second sweep must not emit another Removed for A.
	if removed := tr.Sweep(base.Add(9 * time.Second)); len(removed) != 0 {
		t.Fatalf("second sweep removed %v, want none", removed)
	}

	want := []EventKind{EventAdded, EventAdded, EventRemoved}
	if !kindsEqual(log.kinds(), want) {
		t.Fatalf("events = %v, want %v", log.kinds(), want)
	}
}

func TestFlushEmitsRemovedForAll(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{})
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		tr.Apply(ann(ident("10.0.0.1", 11311+i, "g"), "m", 1), now)
	}
	tr.Flush(now.Add(time.Second))

	if tr.Len() != 0 {
		t.Fatalf("Len = %d after flush, want 0", tr.Len())
	}
	removed := 0
	for _, ev := range log.events {
		if ev.Kind == EventRemoved {
			removed++
		}
	}
	if removed != 3 {
		t.Fatalf("flush emitted %d removed events, want 3", removed)
	}
}

// currentPeers() must equal the event stream folded in order, for any
// interleaving of applies and sweeps.
func TestSnapshotMatchesFoldedEvents(t *testing.T) {
	tr, log := newTestTracker(t, TrackerOptions{Timeout: 5 * time.Second})
	base := time.Unix(1000, 0)

	tr.Apply(ann(ident("10.0.0.1", 11311, "a"), "a", 1), base)
	tr.Apply(ann(ident("10.0.0.2", 11311, "b"), "b", 1), base.Add(time.Second))
	tr.Apply(ann(ident("10.0.0.1", 11311, "a"), "a2", 2), base.Add(2*time.Second))
	tr.Sweep(base.Add(20 * time.Second))
	tr.Apply(ann(ident("10.0.0.3", 11311, "c"), "c", 1), base.Add(21*time.Second))

	folded := make(map[PeerIdentity]PeerRecord)
	for _, ev := range log.events {
		switch ev.Kind {
		case EventAdded, EventUpdated:
			folded[ev.Identity] = ev.Record
		case EventRemoved:
			delete(folded, ev.Identity)
		}
	}

	snap := tr.Snapshot()
	if len(snap) != len(folded) {
		t.Fatalf("snapshot has %d records, folded events have %d", len(snap), len(folded))
	}
	for _, rec := range snap {
		want, ok := folded[rec.Identity]
		if !ok {
			t.Fatalf("snapshot record %v absent from folded events", rec.Identity)
		}
		if want.Seq != rec.Seq || want.Name != rec.Name {
			t.Fatalf("snapshot %+v != folded %+v", rec, want)
		}
	}
}
