package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshmaster/meshmaster/pkg/peers"
)

type peerJSON struct {
	Addr     string    `json:"addr"`
	Port     int       `json:"port"`
	GUID     string    `json:"guid"`
	Name     string    `json:"name"`
	Seq      uint64    `json:"seq"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	Caps     []string  `json:"caps"`
}

func toPeerJSON(rec peers.PeerRecord) peerJSON {
	return peerJSON{
		Addr:     rec.Identity.Addr,
		Port:     rec.Identity.Port,
		GUID:     rec.Identity.GUID,
		Name:     rec.Name,
		Seq:      rec.Seq,
		LastSeen: rec.LastSeen,
		Caps:     rec.Caps.Names(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(v)
	w.Write(data)
}

// healthz returns 200 OK to indicate the daemon is alive. Liveness is
// deliberately independent of the peer count: zero peers is a valid
// steady state, not a failure.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// peers answers currentPeers(): a consistent snapshot of the table.
func (s *Server) peers(w http.ResponseWriter, _ *http.Request) {
	snap := s.tracker.Snapshot()
	out := struct {
		Now   time.Time  `json:"now"`
		Count int        `json:"count"`
		Peers []peerJSON `json:"peers"`
	}{Now: time.Now(), Count: len(snap), Peers: make([]peerJSON, 0, len(snap))}
	for _, rec := range snap {
		out.Peers = append(out.Peers, toPeerJSON(rec))
	}
	writeJSON(w, out)
}

// selfStatus answers with the local identity and advertisement sequence,
// for external health checks.
func (s *Server) selfStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, toPeerJSON(s.self()))
}

// streamFrame is one message on the /events WebSocket. The first frame is
// always a snapshot; after an overflow event the client should treat the
// next snapshot it fetches as the new baseline.
type streamFrame struct {
	Type  string             `json:"type"` // "snapshot" or "event"
	Peers []peerJSON         `json:"peers,omitempty"`
	Event *peers.ChangeEvent `json:"event,omitempty"`
}

// events upgrades to a WebSocket and streams ChangeEvents in transition
// order. Subscription happens before the snapshot is taken, so no
// transition between the two can be lost; replaying an event already
// reflected in the snapshot is harmless for consumers folding state.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("events upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.notifier.Subscribe()
	defer sub.Cancel()

	snap := s.tracker.Snapshot()
	first := streamFrame{Type: "snapshot", Peers: make([]peerJSON, 0, len(snap))}
	for _, rec := range snap {
		first.Peers = append(first.Peers, toPeerJSON(rec))
	}
	if err := conn.WriteJSON(first); err != nil {
		return
	}

	// Reader goroutine: we never expect client frames, but reading is how
	// the peer's close gets noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(streamFrame{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
