// Package api is the query service: the synchronous boundary other
// processes use to read the peer table (`/peers`, `/self`) and the
// streaming boundary for table changes (`/events`, WebSocket). It answers
// purely from memory and never blocks on discovery I/O.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshmaster/meshmaster/internal/telemetry"
	"github.com/meshmaster/meshmaster/pkg/notify"
	"github.com/meshmaster/meshmaster/pkg/peers"
)

// SelfStatus reports the local identity and current advertisement
// sequence number; each backend provides its own.
type SelfStatus func() peers.PeerRecord

type Server struct {
	addr     string
	tracker  *peers.Tracker
	notifier *notify.Notifier
	self     SelfStatus
	log      *zap.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener
}

func New(addr string, tracker *peers.Tracker, notifier *notify.Notifier, self SelfStatus, log *zap.Logger) *Server {
	s := &Server{
		addr:     addr,
		tracker:  tracker,
		notifier: notifier,
		self:     self,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local-network observability endpoint; same trust model as
			// the multicast group itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table; exported for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/peers", telemetry.Instrument("peers", http.HandlerFunc(s.peers)))
	mux.Handle("/self", telemetry.Instrument("self", http.HandlerFunc(s.selfStatus)))
	mux.Handle("/events", http.HandlerFunc(s.events))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Start binds the listen address and serves in the background. A bind
// failure is returned to the caller, matching transport bind semantics.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: bind %s: %w", s.addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("query service failed", zap.Error(err))
		}
	}()
	s.log.Info("query service listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}
