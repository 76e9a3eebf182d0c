// Package gateway is the WebSocket/HTTP ingress. An embedding application
// (or the chat CLI) connects to /ws, speaks request/response frames, and
// receives pushed event frames mirrored off the internal bus.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/scheduler"
	"github.com/wardenlabs/warden/internal/skills"
	"github.com/wardenlabs/warden/internal/subagent"
	"github.com/wardenlabs/warden/pkg/protocol"
)

const shutdownGrace = 5 * time.Second

// Responder is the slice of the orchestrator the gateway drives.
type Responder interface {
	HandleMessage(ctx context.Context, req agent.Request) (*agent.Reply, error)
}

// RunControl is the slice of the sub-agent manager behind the runs.* methods.
type RunControl interface {
	RunsForUser(userID string) []subagent.Run
	StopRun(userID, runID string) (bool, error)
}

// TaskControl is the slice of the scheduler behind the tasks.* methods.
type TaskControl interface {
	Tasks() []scheduler.Snapshot
	Task(name string) (scheduler.Snapshot, bool)
	ExecuteTask(ctx context.Context, name string) error
}

// Server accepts WebSocket clients, routes their request frames, and fans
// bus events out to every connected client.
type Server struct {
	cfg      *config.Config
	events   bus.Publisher
	agent    Responder
	runs     RunControl
	tasks    TaskControl
	registry *skills.Registry
	router   *MethodRouter
	aborts   *abortRegistry

	version string
	started time.Time

	upgrader websocket.Upgrader
	limiter  *rpmLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	seq    atomic.Uint64
	busSub string

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a gateway. It subscribes to the bus immediately so events
// are sequenced from process start; Start unsubscribes on shutdown.
func NewServer(cfg *config.Config, events bus.Publisher, responder Responder, runs RunControl, tasks TaskControl, registry *skills.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		events:   events,
		agent:    responder,
		runs:     runs,
		tasks:    tasks,
		registry: registry,
		aborts:   newAbortRegistry(),
		started:  time.Now(),
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0 enables the guard at that RPM; zero or negative
	// disables it.
	s.limiter = newRPMLimiter(cfg.GatewaySettings().RateLimitRPM, 5)

	s.router = NewMethodRouter(s)

	if events != nil {
		id, err := events.Subscribe("*", s.forwardEvent)
		if err == nil {
			s.busSub = id
		}
	}
	return s
}

// SetVersion stamps the build version reported by the status method.
func (s *Server) SetVersion(v string) { s.version = v }

// checkOrigin validates the Origin header against the configured allowlist.
// No configured origins means allow all; an absent Origin header (CLI and
// SDK clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.GatewaySettings().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// authorize checks the bearer token on the upgrade request. An empty
// configured token leaves the gateway open (loopback/dev mode). Browser
// clients cannot set headers on the WS handshake, so a token query
// parameter is accepted too.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.GatewaySettings().Token
	if token == "" {
		return true
	}
	presented := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		presented = q
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// BuildMux creates and caches the HTTP mux. Call it before Start when the
// same routes must be served on an additional listener (tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then drains within shutdownGrace.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	gw := s.cfg.GatewaySettings()
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		if s.busSub != "" {
			s.events.Unsubscribe(s.busSub)
		}
		s.BroadcastEvent(protocol.EventFrame{
			Type:  protocol.FrameEvent,
			Event: protocol.EventShutdown,
			Seq:   s.seq.Add(1),
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// forwardEvent maps a bus event onto a wire frame and broadcasts it. The
// sequence number is assigned once per event, shared by all clients.
func (s *Server) forwardEvent(ev bus.Event) {
	frame := protocol.EventFrame{
		Type:  protocol.FrameEvent,
		Event: ev.Type,
		Seq:   s.seq.Add(1),
		Payload: map[string]any{
			"timestamp":   ev.Timestamp,
			"sourceSkill": ev.SourceSkill,
			"severity":    ev.Severity,
			"eventId":     ev.EventID,
			"data":        ev.Payload,
		},
	}
	s.BroadcastEvent(frame)
}

// BroadcastEvent sends an event frame to every connected client.
func (s *Server) BroadcastEvent(frame protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(frame)
	}
}

// ClientCount reports connected clients, for the status method.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer listens on a random loopback port and returns the actual
// address and a blocking start function. Used for integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}
	return addr, start
}

// rpmLimiter gates inbound request frames across all clients. A nil bucket
// means the guard is disabled.
type rpmLimiter struct {
	lim *rate.Limiter
}

func newRPMLimiter(rpm, burst int) *rpmLimiter {
	if rpm <= 0 {
		return &rpmLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &rpmLimiter{lim: rate.NewLimiter(rate.Limit(rpm) / 60, burst)}
}

func (l *rpmLimiter) Enabled() bool { return l.lim != nil }

func (l *rpmLimiter) Allow() bool {
	if l.lim == nil {
		return true
	}
	return l.lim.Allow()
}
