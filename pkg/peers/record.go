package peers

import "time"

// PeerRecord is one live table entry. LastSeen is local clock time and never
// goes backwards for the lifetime of a record; Seq is the last advertisement
// sequence number applied from this instance.
type PeerRecord struct {
	Identity PeerIdentity `json:"identity"`
	Name     string       `json:"name"`
	Seq      uint64       `json:"seq"`
	LastSeen time.Time    `json:"last_seen"`
	Caps     Capability   `json:"caps"`
}

// Announcement is one decoded advertisement from a discovery backend,
// normalized so every backend feeds the Tracker the same shape.
type Announcement struct {
	Identity  PeerIdentity
	Name      string
	Seq       uint64
	Caps      Capability
	Departing bool
}

// EventKind tags a ChangeEvent.
type EventKind uint8

const (
	EventAdded EventKind = iota
	EventUpdated
	EventRemoved
	// EventOverflow is delivered to a subscriber that fell behind and had
	// events dropped. The subscriber should resynchronize from a fresh
	// snapshot; the table itself is unaffected.
	EventOverflow
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// ChangeEvent describes one table transition. Record is populated for Added
// and Updated; Removed carries only the identity. At is the local time the
// transition was applied.
type ChangeEvent struct {
	Kind     EventKind    `json:"kind"`
	Identity PeerIdentity `json:"identity"`
	Record   PeerRecord   `json:"record,omitempty"`
	At       time.Time    `json:"at"`
}
