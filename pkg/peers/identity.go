package peers

import (
	"net"
	"strconv"
	"strings"
)

// PeerIdentity uniquely names one master instance. GUID changes when the
// process behind Addr:Port restarts, so a restart produces a new identity
// (and the table replaces the old record instead of updating it).
type PeerIdentity struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
	GUID string `json:"guid"`
}

// Endpoint returns the host:port the master is reachable at.
func (id PeerIdentity) Endpoint() string {
	return net.JoinHostPort(id.Addr, strconv.Itoa(id.Port))
}

func (id PeerIdentity) String() string {
	guid := id.GUID
	if len(guid) > 8 {
		guid = guid[:8]
	}
	return id.Endpoint() + "/" + guid
}

// Less orders identities by endpoint, then GUID. Snapshots sort with it so
// query results are deterministic.
func (id PeerIdentity) Less(other PeerIdentity) bool {
	if id.Addr != other.Addr {
		return id.Addr < other.Addr
	}
	if id.Port != other.Port {
		return id.Port < other.Port
	}
	return id.GUID < other.GUID
}

// Capability flags declare which discovery mechanism produced a record and
// what the remote master supports.
type Capability uint32

const (
	CapHeartbeat Capability = 1 << iota // learned via heartbeat datagrams
	CapZeroconf                         // learned via mDNS
	CapRegistry                         // learned via the etcd registry
)

func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

func (c Capability) String() string {
	names := c.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Names returns the set flags as strings, for JSON and logs.
func (c Capability) Names() []string {
	var out []string
	if c.Has(CapHeartbeat) {
		out = append(out, "heartbeat")
	}
	if c.Has(CapZeroconf) {
		out = append(out, "zeroconf")
	}
	if c.Has(CapRegistry) {
		out = append(out, "registry")
	}
	return out
}
