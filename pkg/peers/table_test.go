package peers

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func ident(addr string, port int, guid string) PeerIdentity {
	return PeerIdentity{Addr: addr, Port: port, GUID: guid}
}

func rec(id PeerIdentity, name string, seq uint64, seen time.Time) PeerRecord {
	return PeerRecord{Identity: id, Name: name, Seq: seq, LastSeen: seen, Caps: CapHeartbeat}
}

func TestUpsertAddUpdateRefresh(t *testing.T) {
	tbl := NewTable()
	id := ident("10.0.0.1", 11311, "guid-a")
	now := time.Now()

	if got := tbl.Upsert(rec(id, "alpha", 1, now)); got != TransitionAdded {
		t.Fatalf("first upsert = %v, want added", got)
	}
	if got := tbl.Upsert(rec(id, "alpha", 2, now.Add(time.Second))); got != TransitionRefreshed {
		t.Fatalf("same fields = %v, want refreshed", got)
	}
	if got := tbl.Upsert(rec(id, "alpha-renamed", 3, now.Add(2*time.Second))); got != TransitionUpdated {
		t.Fatalf("name change = %v, want updated", got)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}
}

func TestLastSeenNeverRegresses(t *testing.T) {
	tbl := NewTable()
	id := ident("10.0.0.1", 11311, "guid-a")
	now := time.Now()

	tbl.Upsert(rec(id, "alpha", 1, now))
	tbl.Upsert(rec(id, "alpha", 2, now.Add(-time.Minute)))

	got, ok := tbl.Get(id)
	if !ok {
		t.Fatalf("record missing")
	}
	if got.LastSeen.Before(now) {
		t.Fatalf("LastSeen regressed to %v", got.LastSeen)
	}
	if got.Seq != 2 {
		t.Fatalf("Seq = %d, want 2", got.Seq)
	}
}

func TestSnapshotSortedAndIndependent(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	ids := []PeerIdentity{
		ident("10.0.0.3", 11311, "c"),
		ident("10.0.0.1", 11311, "a"),
		ident("10.0.0.2", 11311, "b"),
		ident("10.0.0.2", 11312, "d"),
	}
	for i, id := range ids {
		tbl.Upsert(rec(id, fmt.Sprintf("m%d", i), 1, now))
	}

	snap := tbl.Snapshot()
	if len(snap) != len(ids) {
		t.Fatalf("snapshot len = %d, want %d", len(snap), len(ids))
	}
	for i := 1; i < len(snap); i++ {
		if !snap[i-1].Identity.Less(snap[i].Identity) {
			t.Fatalf("snapshot not sorted at %d: %v then %v", i, snap[i-1].Identity, snap[i].Identity)
		}
	}

	// Mutating the table must not alter an already-taken snapshot.
	tbl.Remove(ids[0])
	if len(snap) != len(ids) {
		t.Fatalf("snapshot changed after Remove")
	}
}

func TestEndpointIndexFollowsRemove(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	id := ident("10.0.0.1", 11311, "guid-a")

	tbl.Upsert(rec(id, "alpha", 1, now))
	if got, ok := tbl.AtEndpoint("10.0.0.1:11311"); !ok || got != id {
		t.Fatalf("AtEndpoint = %v,%v want %v,true", got, ok, id)
	}

	tbl.Remove(id)
	if _, ok := tbl.AtEndpoint("10.0.0.1:11311"); ok {
		t.Fatalf("endpoint index kept a removed identity")
	}
}

func TestExpiredDeterministic(t *testing.T) {
	tbl := NewTable()
	base := time.Unix(1000, 0)

	fresh := ident("10.0.0.1", 11311, "a")
	staleA := ident("10.0.0.2", 11311, "b")
	staleB := ident("10.0.0.3", 11311, "c")

	tbl.Upsert(rec(fresh, "fresh", 1, base.Add(9*time.Second)))
	tbl.Upsert(rec(staleA, "stale-a", 1, base))
	tbl.Upsert(rec(staleB, "stale-b", 1, base.Add(time.Second)))

	got := tbl.Expired(base.Add(10*time.Second), 5*time.Second)
	if len(got) != 2 {
		t.Fatalf("expired = %v, want 2 entries", got)
	}
	if got[0] != staleA || got[1] != staleB {
		t.Fatalf("expired order = %v, want [%v %v]", got, staleA, staleB)
	}
}

func TestConcurrentUpsertSnapshot_NoRaces(t *testing.T) {
	tbl := NewTable()
	now := time.Now()

	var wg sync.WaitGroup
	const G = 16
	const N = 500

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			id := ident(fmt.Sprintf("10.0.%d.1", gid), 11311, fmt.Sprintf("g%d", gid))
			for i := range N {
				tbl.Upsert(rec(id, "m", uint64(i+1), now.Add(time.Duration(i))))
				if i%17 == 0 {
					_ = tbl.Snapshot()
				}
			}
		}(gid)
	}
	wg.Wait()

	if tbl.Len() != G {
		t.Fatalf("Len = %d, want %d", tbl.Len(), G)
	}
}
