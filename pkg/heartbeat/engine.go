// Package heartbeat implements the canonical discovery backend: it
// advertises the local master on a multicast group at a fixed period,
// listens for advertisements from remote masters, and evicts peers whose
// advertisements stop arriving.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshmaster/meshmaster/internal/telemetry"
	"github.com/meshmaster/meshmaster/pkg/peers"
	"github.com/meshmaster/meshmaster/pkg/wire"
)

// Config describes the local master and the engine timing.
type Config struct {
	// Name is the human-readable label advertised to peers.
	Name string
	// Addr and Port are where the local coordination-server is reachable.
	Addr string
	Port int
	// GUID is this process instance's identifier. A restart gets a new
	// GUID, which is how peers tell a restart from a refresh.
	GUID string
	// Period between self-advertisements.
	Period time.Duration
	// SweepInterval between timeout sweeps. Defaults to half the
	// tracker's timeout so no peer outlives its deadline by more than
	// one sweep.
	SweepInterval time.Duration
	// PreferSourceAddr keys remote peers by the datagram's source address
	// instead of the address embedded in the payload. Payload identity is
	// the default; the source address only matches on symmetric networks,
	// but is the safer choice when peers sit behind NAT rewriting their
	// own idea of their address.
	PreferSourceAddr bool
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("heartbeat: config missing addr")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("heartbeat: invalid port %d", c.Port)
	}
	if _, err := uuid.Parse(c.GUID); err != nil {
		return fmt.Errorf("heartbeat: invalid guid %q: %w", c.GUID, err)
	}
	if c.Period <= 0 {
		return errors.New("heartbeat: advertise period must be positive")
	}
	return nil
}

// Engine owns the three concurrent activities of the heartbeat backend:
// tick (self-advertisement), listen (blocking receive + apply), and sweep
// (timeout eviction). All table effects serialize through the Tracker.
//
// One Engine instance per process; construct with New, start with Start,
// stop with Shutdown. Receive failures other than shutdown are surfaced on
// Fatal: the listener dying silently would look exactly like every peer
// being healthy forever.
type Engine struct {
	cfg     Config
	tr      Transport
	tracker *peers.Tracker
	log     *zap.Logger

	seq atomic.Uint64
	now func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	fatal   chan error
	started bool
}

func New(cfg Config, tr Transport, tracker *peers.Tracker, log *zap.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = tracker.Timeout() / 2
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Period
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		tr:      tr,
		tracker: tracker,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		fatal:   make(chan error, 1),
	}, nil
}

// Start launches the tick, sweep and listen loops. The first advertisement
// goes out immediately.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true

	e.wg.Add(3)
	go e.tickLoop()
	go e.sweepLoop()
	go e.listenLoop()

	e.log.Info("heartbeat engine started",
		zap.String("self", e.selfIdentity().String()),
		zap.String("name", e.cfg.Name),
		zap.Duration("period", e.cfg.Period),
		zap.Duration("timeout", e.tracker.Timeout()),
	)
}

// Fatal reports unrecoverable engine failures (listener socket death). The
// owning process decides whether to restart; the engine never restarts
// itself.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// Self returns the local identity and the current advertisement sequence
// number, for health checks.
func (e *Engine) Self() peers.PeerRecord {
	return peers.PeerRecord{
		Identity: e.selfIdentity(),
		Name:     e.cfg.Name,
		Seq:      e.seq.Load(),
		Caps:     peers.CapHeartbeat,
	}
}

// Shutdown stops the engine: a best-effort departing advertisement goes
// out so peers drop us immediately, the loops stop, the endpoint is
// released, and every tracked peer is flushed as Removed so subscribers
// converge to empty.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.announce(true); err != nil {
		e.log.Warn("departing advertisement failed", zap.Error(err))
	}

	e.cancel()
	e.tr.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("heartbeat: shutdown: %w", ctx.Err())
	}

	e.tracker.Flush(e.now())
	telemetry.PeersLive.Set(0)
	e.log.Info("heartbeat engine stopped")
	return nil
}

func (e *Engine) selfIdentity() peers.PeerIdentity {
	return peers.PeerIdentity{Addr: e.cfg.Addr, Port: e.cfg.Port, GUID: e.cfg.GUID}
}

// announce sends one self-advertisement. Send failures are transient:
// heartbeats are idempotent and the next tick retries.
func (e *Engine) announce(departing bool) error {
	ann := peers.Announcement{
		Identity:  e.selfIdentity(),
		Name:      e.cfg.Name,
		Seq:       e.seq.Add(1),
		Caps:      peers.CapHeartbeat,
		Departing: departing,
	}
	payload, err := wire.Encode(ann)
	if err != nil {
		return err
	}
	if err := e.tr.Send(payload); err != nil {
		telemetry.SendErrors.Inc()
		return err
	}
	telemetry.DatagramsSent.Inc()
	return nil
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()

	if err := e.announce(false); err != nil {
		e.log.Warn("advertisement send failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.announce(false); err != nil {
				e.log.Warn("advertisement send failed", zap.Error(err))
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) sweep() {
	start := time.Now()
	removed := e.tracker.Sweep(e.now())
	telemetry.SweepDuration.Observe(time.Since(start).Seconds())
	telemetry.PeersLive.Set(float64(e.tracker.Len()))
	for _, id := range removed {
		e.log.Info("master timed out", zap.Stringer("peer", id))
	}
}

func (e *Engine) listenLoop() {
	defer e.wg.Done()

	for {
		payload, src, err := e.tr.Receive()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || e.ctx.Err() != nil {
				return
			}
			e.log.Error("listener failed", zap.Error(err))
			select {
			case e.fatal <- err:
			default:
			}
			return
		}
		e.handle(payload, src)
	}
}

func (e *Engine) handle(payload []byte, src netip.AddrPort) {
	telemetry.DatagramsReceived.Inc()

	ann, err := wire.Decode(payload)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		e.log.Debug("datagram rejected", zap.Stringer("src", src), zap.Error(err))
		return
	}
	if ann.Identity.GUID == e.cfg.GUID {
		return // our own advertisement looped back
	}
	if e.cfg.PreferSourceAddr && src.IsValid() {
		ann.Identity.Addr = src.Addr().String()
	}

	now := e.now()
	switch tr := e.tracker.Apply(ann, now); tr {
	case peers.TransitionAdded:
		e.log.Info("master discovered",
			zap.Stringer("peer", ann.Identity),
			zap.String("name", ann.Name),
		)
	case peers.TransitionUpdated:
		e.log.Info("master updated", zap.Stringer("peer", ann.Identity))
	case peers.TransitionRemoved:
		e.log.Info("master departed", zap.Stringer("peer", ann.Identity))
	case peers.TransitionStale:
		telemetry.StaleDrops.Inc()
		e.log.Debug("stale advertisement dropped",
			zap.Stringer("peer", ann.Identity),
			zap.Uint64("seq", ann.Seq),
		)
	}
	telemetry.PeersLive.Set(float64(e.tracker.Len()))
}
