// Package notify fans table change events out to subscribers. Publishing
// never blocks: each subscriber owns a bounded ring, and when it falls
// behind the oldest pending events are dropped and replaced by a single
// overflow marker so the subscriber knows to resynchronize from a snapshot.
package notify

import (
	"sync"
	"time"

	"github.com/meshmaster/meshmaster/pkg/peers"
)

// DefaultBuffer is the per-subscriber pending-event capacity.
const DefaultBuffer = 64

// closeGrace bounds how long a closed subscription waits for a stalled
// receiver to drain before its pending events are discarded and the
// stream is torn down anyway.
var closeGrace = 10 * time.Second

// Notifier distributes ChangeEvents to any number of subscribers in
// publish order.
type Notifier struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func New(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The subscription observes every
// event published after this call, in order, until Cancel or Close.
func (n *Notifier) Subscribe() *Subscription {
	s := &Subscription{
		notifier: n,
		ring:     make([]peers.ChangeEvent, 0, n.buffer),
		cap:      n.buffer,
		wake:     make(chan struct{}, 1),
		out:      make(chan peers.ChangeEvent),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		s.closing = true
	} else {
		n.subs[s] = struct{}{}
	}
	n.mu.Unlock()

	go s.pump()
	if s.closing {
		s.signal()
	}
	return s
}

// Publish appends ev to every subscription. Never blocks; a full
// subscription drops its oldest pending event and is flagged overflowed.
func (n *Notifier) Publish(ev peers.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for s := range n.subs {
		s.enqueue(ev)
	}
}

// Close terminates every subscription after its pending events have been
// delivered. Publish becomes a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := make([]*Subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.subs = make(map[*Subscription]struct{})
	n.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (n *Notifier) drop(s *Subscription) {
	n.mu.Lock()
	delete(n.subs, s)
	n.mu.Unlock()
}

// Subscription is one subscriber's ordered view of the event stream.
type Subscription struct {
	notifier *Notifier

	mu         sync.Mutex
	ring       []peers.ChangeEvent
	cap        int
	overflowed bool
	closing    bool

	wake     chan struct{}
	out      chan peers.ChangeEvent
	done     chan struct{}
	doneOnce sync.Once
	stopped  chan struct{}
}

// Events is the delivery channel. It is closed after Cancel, or after
// Notifier.Close once pending events have drained.
func (s *Subscription) Events() <-chan peers.ChangeEvent { return s.out }

// Cancel detaches the subscription. Pending events are discarded and the
// Events channel is closed even if the receiver has stopped reading.
func (s *Subscription) Cancel() {
	s.notifier.drop(s)
	s.mu.Lock()
	s.ring = nil
	s.closing = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.signal()
}

// shutdown asks the pump to drain and exit. A receiver that has stopped
// reading would otherwise pin the pump on its delivery forever, so a
// watchdog force-closes the stream after the grace period.
func (s *Subscription) shutdown() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()

	go func() {
		timer := time.NewTimer(closeGrace)
		defer timer.Stop()
		select {
		case <-s.stopped:
		case <-timer.C:
			s.doneOnce.Do(func() { close(s.done) })
		}
	}()
}

func (s *Subscription) enqueue(ev peers.ChangeEvent) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if len(s.ring) >= s.cap {
		s.ring = s.ring[1:]
		s.overflowed = true
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the ring to the out channel. A blocked receiver
// stalls only its own pump; Publish keeps appending to the ring.
func (s *Subscription) pump() {
	defer close(s.stopped)
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			if s.overflowed {
				s.overflowed = false
				s.mu.Unlock()
				if !s.deliver(peers.ChangeEvent{Kind: peers.EventOverflow, At: time.Now()}) {
					return
				}
				continue
			}
			if len(s.ring) == 0 {
				done := s.closing
				s.mu.Unlock()
				if done {
					return
				}
				break
			}
			ev := s.ring[0]
			s.ring = s.ring[1:]
			s.mu.Unlock()
			if !s.deliver(ev) {
				return
			}
		}
	}
}

func (s *Subscription) deliver(ev peers.ChangeEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}
