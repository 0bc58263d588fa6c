// Package registry is the etcd-backed discovery backend, for deployments
// that already run an etcd quorum and do not want multicast on the wire.
// Each master registers itself under a shared prefix with a keep-alive
// lease; watching the prefix yields the same Added/Updated/Removed
// lifecycle the heartbeat engine produces, driven through the same Tracker.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/meshmaster/meshmaster/internal/telemetry"
	"github.com/meshmaster/meshmaster/pkg/peers"
)

const prefix = "/meshmaster/masters/"

// Config describes the etcd endpoints and the local master.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// LeaseTTL is the registration lease in seconds. etcd expires the key
	// (and peers see a delete) if we miss keep-alives for this long.
	LeaseTTL int64

	Name string
	Addr string
	Port int
	GUID string
}

// entry is the JSON value stored under prefix+GUID.
type entry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
	Port int    `json:"port"`
	GUID string `json:"guid"`
}

// Registry registers the local master and mirrors the remote masters into
// the Tracker.
type Registry struct {
	cfg     Config
	cli     *clientv3.Client
	tracker *peers.Tracker
	log     *zap.Logger

	leaseID clientv3.LeaseID
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	byKey map[string]peers.PeerIdentity // etcd key -> identity, for deletes
}

func New(cfg Config, tracker *peers.Tracker, log *zap.Logger) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("registry: no etcd endpoints")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect %v: %w", cfg.Endpoints, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		cli:     cli,
		tracker: tracker,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		byKey:   make(map[string]peers.PeerIdentity),
	}, nil
}

// Start registers the local master, bootstraps the current peer set, and
// watches the prefix for changes. Registration failure is fatal, like a
// bind failure.
func (r *Registry) Start() error {
	if err := r.register(); err != nil {
		return err
	}

	resp, err := r.cli.Get(r.ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("registry: bootstrap: %w", err)
	}
	for _, kv := range resp.Kvs {
		r.applyPut(string(kv.Key), kv.Value, uint64(kv.ModRevision))
	}

	r.wg.Add(1)
	go r.watchLoop(resp.Header.Revision + 1)

	r.log.Info("registry backend started",
		zap.Strings("endpoints", r.cfg.Endpoints),
		zap.Int64("lease_ttl", r.cfg.LeaseTTL),
		zap.Int("bootstrap_peers", r.tracker.Len()),
	)
	return nil
}

func (r *Registry) register() error {
	lease, err := r.cli.Grant(r.ctx, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("registry: lease grant: %w", err)
	}
	r.leaseID = lease.ID

	val, err := json.Marshal(entry{
		Name: r.cfg.Name,
		Addr: r.cfg.Addr,
		Port: r.cfg.Port,
		GUID: r.cfg.GUID,
	})
	if err != nil {
		return fmt.Errorf("registry: marshal self: %w", err)
	}
	if _, err := r.cli.Put(r.ctx, prefix+r.cfg.GUID, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: register self: %w", err)
	}

	ka, err := r.cli.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range ka {
		}
	}()
	return nil
}

func (r *Registry) watchLoop(fromRev int64) {
	defer r.wg.Done()

	wch := r.cli.Watch(r.ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRev))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			r.log.Warn("registry watch error", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypePut:
				r.applyPut(key, ev.Kv.Value, uint64(ev.Kv.ModRevision))
			case clientv3.EventTypeDelete:
				r.applyDelete(key)
			}
		}
		telemetry.PeersLive.Set(float64(r.tracker.Len()))
	}
}

// applyPut folds one registration into the tracker. The key's mod revision
// serves as the sequence number: etcd guarantees it increases per key.
func (r *Registry) applyPut(key string, val []byte, rev uint64) {
	var ent entry
	if err := json.Unmarshal(val, &ent); err != nil {
		telemetry.DecodeErrors.Inc()
		r.log.Warn("registry entry rejected", zap.String("key", key), zap.Error(err))
		return
	}
	if ent.GUID == r.cfg.GUID {
		return // our own registration
	}
	if ent.Addr == "" || ent.Port <= 0 || ent.Port > 65535 {
		telemetry.DecodeErrors.Inc()
		r.log.Warn("registry entry rejected", zap.String("key", key))
		return
	}

	id := peers.PeerIdentity{Addr: ent.Addr, Port: ent.Port, GUID: ent.GUID}
	r.mu.Lock()
	r.byKey[key] = id
	r.mu.Unlock()

	now := time.Now()
	if tr := r.tracker.Apply(peers.Announcement{
		Identity: id,
		Name:     ent.Name,
		Seq:      rev,
		Caps:     peers.CapRegistry,
	}, now); tr == peers.TransitionAdded {
		r.log.Info("master discovered via registry", zap.Stringer("peer", id), zap.String("name", ent.Name))
	}
	telemetry.PeersLive.Set(float64(r.tracker.Len()))
}

func (r *Registry) applyDelete(key string) {
	r.mu.Lock()
	id, ok := r.byKey[key]
	delete(r.byKey, key)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.tracker.Apply(peers.Announcement{Identity: id, Departing: true}, time.Now())
	r.log.Info("master deregistered", zap.Stringer("peer", id))
}

// Shutdown revokes the lease so peers drop us immediately, then flushes
// the tracker.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.leaseID != 0 {
		revokeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if _, err := r.cli.Revoke(revokeCtx, r.leaseID); err != nil {
			r.log.Warn("lease revoke failed", zap.Error(err))
		}
		cancel()
	}

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cli.Close()
		return fmt.Errorf("registry: shutdown: %w", ctx.Err())
	}

	r.tracker.Flush(time.Now())
	telemetry.PeersLive.Set(0)
	err := r.cli.Close()
	r.log.Info("registry backend stopped")
	return err
}
