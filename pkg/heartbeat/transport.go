package heartbeat

import (
	"errors"
	"net/netip"
	"sync"
)

// ErrTransportClosed is returned by Receive after Close; the engine treats
// it as shutdown, any other receive error as fatal.
var ErrTransportClosed = errors.New("heartbeat: transport closed")

// Transport carries advertisement datagrams between discovery processes.
// Send broadcasts one payload to every peer on the configured scope;
// Receive blocks until a datagram arrives and reports its source address.
// Implementations must be safe for one sender and one receiver goroutine.
type Transport interface {
	Send(payload []byte) error
	Receive() (payload []byte, src netip.AddrPort, err error)
	Close() error
}

type packet struct {
	payload []byte
	src     netip.AddrPort
	err     error
}

// ChannelTransport is an in-process Transport for tests: injected packets
// come out of Receive, sent payloads are captured on a channel. It can also
// inject a receive error to exercise the engine's fatal path.
type ChannelTransport struct {
	in   chan packet
	sent chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{
		in:   make(chan packet, 256),
		sent: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// Inject queues payload as if it had arrived from src.
func (t *ChannelTransport) Inject(payload []byte, src netip.AddrPort) {
	t.in <- packet{payload: append([]byte(nil), payload...), src: src}
}

// Fail makes the next Receive return err, simulating a socket failure.
func (t *ChannelTransport) Fail(err error) {
	t.in <- packet{err: err}
}

// Sent exposes payloads passed to Send.
func (t *ChannelTransport) Sent() <-chan []byte { return t.sent }

func (t *ChannelTransport) Send(payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	select {
	case t.sent <- append([]byte(nil), payload...):
	default: // nobody draining, drop like the network would
	}
	return nil
}

func (t *ChannelTransport) Receive() ([]byte, netip.AddrPort, error) {
	select {
	case p := <-t.in:
		if p.err != nil {
			return nil, netip.AddrPort{}, p.err
		}
		return p.payload, p.src, nil
	case <-t.done:
		return nil, netip.AddrPort{}, ErrTransportClosed
	}
}

func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}
