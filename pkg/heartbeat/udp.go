package heartbeat

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/meshmaster/meshmaster/pkg/wire"
)

// DefaultGroup is the multicast group:port advertisements go to when the
// configuration does not name one.
const DefaultGroup = "226.0.0.0:11511"

// UDPConfig configures the multicast transport.
type UDPConfig struct {
	// Group is the multicast group and port, e.g. "226.0.0.0:11511".
	Group string
	// Interface restricts multicast to one interface by name. Empty lets
	// the kernel pick.
	Interface string
	// TTL bounds how many hops advertisements travel. 0 means the
	// kernel default (1, link-local).
	TTL int
	// Loopback delivers our own datagrams back to us. The engine filters
	// them by GUID, so leaving it on is harmless and lets several masters
	// share one host.
	Loopback bool
}

// UDPTransport implements Transport over a shared multicast UDP endpoint.
// The group port is opened with reuse semantics, so multiple discovery
// processes can coexist on one host.
type UDPTransport struct {
	group *net.UDPAddr
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	log   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewUDPTransport binds the group endpoint and joins the multicast group.
// Bind failures are fatal at startup, never retried silently.
func NewUDPTransport(cfg UDPConfig, log *zap.Logger) (*UDPTransport, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%q is not a multicast address", cfg.Group)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", cfg.Interface, err)
		}
	}

	// ListenMulticastUDP sets address reuse on the group port, so several
	// processes on one host can all bind it.
	conn, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", group, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if cfg.TTL > 0 {
		if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
	}
	if err := pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		log.Warn("set multicast loopback", zap.Error(err))
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}

	log.Info("multicast transport bound",
		zap.String("group", group.String()),
		zap.String("interface", cfg.Interface),
		zap.Int("ttl", cfg.TTL),
		zap.Bool("loopback", cfg.Loopback),
	)
	return &UDPTransport{group: group, conn: conn, pc: pc, log: log}, nil
}

func (t *UDPTransport) Send(payload []byte) error {
	if _, err := t.conn.WriteToUDP(payload, t.group); err != nil {
		return fmt.Errorf("send to %s: %w", t.group, err)
	}
	return nil
}

func (t *UDPTransport) Receive() ([]byte, netip.AddrPort, error) {
	buf := make([]byte, wire.MaxPayloadSize+1)
	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil, netip.AddrPort{}, ErrTransportClosed
			}
			return nil, netip.AddrPort{}, fmt.Errorf("receive on %s: %w", t.group, err)
		}
		if n == len(buf) {
			// Larger than any well-formed advertisement; skip without
			// bothering the decoder.
			t.log.Debug("oversized datagram dropped", zap.Stringer("src", src))
			continue
		}
		return append([]byte(nil), buf[:n]...), src, nil
	}
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *UDPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
