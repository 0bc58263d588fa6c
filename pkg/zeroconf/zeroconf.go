// Package zeroconf is the mDNS discovery backend: instead of heartbeat
// datagrams it advertises the local master as an mDNS service and browses
// the local domain for peers. Discovered masters flow through the same
// Tracker as the heartbeat engine, so the rest of the system cannot tell
// the backends apart.
package zeroconf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/meshmaster/meshmaster/internal/telemetry"
	"github.com/meshmaster/meshmaster/pkg/peers"
)

const (
	// DefaultService is the mDNS service type masters register under.
	DefaultService = "_meshmaster._udp"
	DefaultDomain  = "local"
)

// Config describes the local master and browse timing.
type Config struct {
	Service string
	Domain  string
	// Name, Addr, Port, GUID describe the local master. Name doubles as
	// the mDNS instance name; Addr is only reported on /self, peers learn
	// our addresses from the mDNS records.
	Name string
	Addr string
	Port int
	GUID string
	// BrowseInterval is how often the domain is queried. Each browse
	// refreshes every responding peer, so it plays the role of the
	// advertisement period.
	BrowseInterval time.Duration
}

// Watcher runs the mDNS backend: one responder advertising the local
// master, one browse loop feeding the Tracker, one sweep loop evicting
// peers that stopped responding.
type Watcher struct {
	cfg     Config
	tracker *peers.Tracker
	log     *zap.Logger

	server  *mdns.Server
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
	browses atomic.Uint64
}

// Self reports the local identity; the browse count stands in for the
// advertisement sequence number.
func (w *Watcher) Self() peers.PeerRecord {
	return peers.PeerRecord{
		Identity: peers.PeerIdentity{Addr: w.cfg.Addr, Port: w.cfg.Port, GUID: w.cfg.GUID},
		Name:     w.cfg.Name,
		Seq:      w.browses.Load(),
		Caps:     peers.CapZeroconf,
	}
}

func NewWatcher(cfg Config, tracker *peers.Tracker, log *zap.Logger) (*Watcher, error) {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = 3 * time.Second
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1"
	}
	if cfg.Name == "" {
		return nil, errors.New("zeroconf: config missing name")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("zeroconf: invalid port %d", cfg.Port)
	}
	if _, err := uuid.Parse(cfg.GUID); err != nil {
		return nil, fmt.Errorf("zeroconf: invalid guid %q: %w", cfg.GUID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:     cfg,
		tracker: tracker,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}, nil
}

// Start registers the mDNS responder and launches the browse and sweep
// loops. Responder registration failure is a bind failure: fatal, not
// retried.
func (w *Watcher) Start() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("zeroconf: local addresses: %w", err)
	}

	service, err := mdns.NewMDNSService(
		w.cfg.Name,
		w.cfg.Service,
		"",
		"",
		w.cfg.Port,
		ips,
		[]string{"guid=" + w.cfg.GUID},
	)
	if err != nil {
		return fmt.Errorf("zeroconf: service record: %w", err)
	}
	w.server, err = mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("zeroconf: responder: %w", err)
	}

	w.wg.Add(2)
	go w.browseLoop()
	go w.sweepLoop()

	w.log.Info("zeroconf backend started",
		zap.String("service", w.cfg.Service),
		zap.String("name", w.cfg.Name),
		zap.Int("port", w.cfg.Port),
	)
	return nil
}

// Shutdown unregisters the responder, stops the loops, and flushes every
// tracked peer as Removed.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.cancel()
	if w.server != nil {
		w.server.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("zeroconf: shutdown: %w", ctx.Err())
	}

	w.tracker.Flush(w.now())
	telemetry.PeersLive.Set(0)
	w.log.Info("zeroconf backend stopped")
	return nil
}

func (w *Watcher) browseLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.BrowseInterval)
	defer ticker.Stop()
	w.browse()
	for {
		select {
		case <-ticker.C:
			w.browse()
		case <-w.ctx.Done():
			return
		}
	}
}

// browse runs one mDNS query and applies every response. mDNS has no
// sequence numbers, so the local receive time stands in: it is monotonic
// per peer, which is all the Tracker needs.
func (w *Watcher) browse() {
	w.browses.Add(1)
	entries := make(chan *mdns.ServiceEntry, 16)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for entry := range entries {
			w.handle(entry)
		}
	}()

	params := &mdns.QueryParam{
		Service: w.cfg.Service,
		Domain:  w.cfg.Domain,
		Timeout: queryTimeout(w.cfg.BrowseInterval),
		Entries: entries,
	}
	if err := mdns.Query(params); err != nil {
		w.log.Warn("mdns query failed", zap.Error(err))
	}
	close(entries)
}

func (w *Watcher) handle(entry *mdns.ServiceEntry) {
	if entry.AddrV4 == nil {
		return
	}
	guid := guidFromInfo(entry.InfoFields)
	if guid == w.cfg.GUID {
		return // our own responder
	}
	if guid == "" {
		// Peer predating GUID records: synthesize a stable one from the
		// instance name so restarts at least key consistently.
		guid = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(entry.Name)).String()
	}

	now := w.now()
	ann := peers.Announcement{
		Identity: peers.PeerIdentity{
			Addr: entry.AddrV4.String(),
			Port: entry.Port,
			GUID: guid,
		},
		Name: strings.TrimSuffix(entry.Name, "."+w.cfg.Service+"."+w.cfg.Domain+"."),
		Seq:  uint64(now.UnixNano()),
		Caps: peers.CapZeroconf,
	}
	if tr := w.tracker.Apply(ann, now); tr == peers.TransitionAdded {
		w.log.Info("master discovered via mdns",
			zap.Stringer("peer", ann.Identity),
			zap.String("name", ann.Name),
		)
	}
	telemetry.PeersLive.Set(float64(w.tracker.Len()))
}

func (w *Watcher) sweepLoop() {
	defer w.wg.Done()

	interval := w.tracker.Timeout() / 2
	if interval <= 0 {
		interval = w.cfg.BrowseInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			removed := w.tracker.Sweep(w.now())
			telemetry.SweepDuration.Observe(time.Since(start).Seconds())
			telemetry.PeersLive.Set(float64(w.tracker.Len()))
			for _, id := range removed {
				w.log.Info("master timed out", zap.Stringer("peer", id))
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// queryTimeout bounds one mDNS query so it always completes before the
// next browse tick. The query blocks for its full timeout, so giving it
// the whole interval would stretch the effective refresh period past the
// interval the sweep cadence is sized against.
func queryTimeout(interval time.Duration) time.Duration {
	return interval / 2
}

func guidFromInfo(fields []string) string {
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, "guid="); ok {
			return v
		}
	}
	return ""
}

// localIPs returns the non-loopback IPv4 addresses to publish in the mDNS
// record.
func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				ips = append(ips, ip4)
			}
		}
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable IPv4 interface")
	}
	return ips, nil
}
