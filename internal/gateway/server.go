// Package gateway serves the local WebSocket protocol that drives chat
// turns, workflows and schedules.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HiTek-Dev/tek/internal/agent"
	agentctx "github.com/HiTek-Dev/tek/internal/agent/context"
	"github.com/HiTek-Dev/tek/internal/agent/routing"
	"github.com/HiTek-Dev/tek/internal/cron"
	"github.com/HiTek-Dev/tek/internal/heartbeat"
	"github.com/HiTek-Dev/tek/internal/memory"
	"github.com/HiTek-Dev/tek/internal/observability"
	"github.com/HiTek-Dev/tek/internal/sessions"
	"github.com/HiTek-Dev/tek/internal/usage"
	"github.com/HiTek-Dev/tek/internal/workflow"
)

const defaultHistoryLimit = 200

// Routing modes.
const (
	RoutingAuto    = "auto"
	RoutingConfirm = "confirm"
)

// Config tunes protocol behaviour.
type Config struct {
	// Addr is the loopback host:port to listen on.
	Addr string
	// RoutingMode is auto or confirm. Confirm proposes a model and waits
	// for chat.route.confirm.
	RoutingMode string
	// DefaultModel is used when no router is configured.
	DefaultModel string
	// Approval is the default approval tier; ToolApprovals overrides it.
	Approval      string
	ToolApprovals map[string]string
	// Preflight asks for a checklist approval before high-tier turns.
	Preflight    bool
	HistoryLimit int
	// HeartbeatChecklist is the default checklist for heartbeat.configure.
	HeartbeatChecklist string
}

// ModelResolver maps "provider:model" ids to providers.
type ModelResolver interface {
	Resolve(id string) (agent.LLMProvider, string, error)
}

// Dependencies are the collaborators a server drives. Sessions, Models and
// Loop are required; the rest disable their message kinds when nil.
type Dependencies struct {
	Sessions  sessions.Store
	Models    ModelResolver
	Router    *routing.Router
	Assembler *agentctx.Assembler
	Pressure  *agentctx.Detector
	FlushLog  *memory.FlushLog
	Loop      *agent.Loop
	Usage     *usage.Tracker
	Workflows *workflow.Engine
	Scheduler *cron.Scheduler
	// Tools builds a tool registry; each connection calls it once.
	Tools func() *agent.ToolRegistry
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// Server accepts loopback WebSocket connections.
type Server struct {
	config   Config
	deps     Dependencies
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[*connection]struct{}
	http     *http.Server
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records connection and message metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// NewServer creates a server. It registers itself as the workflow
// approval handler.
func NewServer(config Config, deps Dependencies, opts ...Option) (*Server, error) {
	if deps.Sessions == nil || deps.Models == nil || deps.Loop == nil {
		return nil, errors.New("gateway: sessions, models and loop are required")
	}
	if err := initWSSchemas(); err != nil {
		return nil, fmt.Errorf("gateway: compile schemas: %w", err)
	}
	if config.RoutingMode == "" {
		config.RoutingMode = RoutingAuto
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaultHistoryLimit
	}
	if deps.Assembler == nil {
		deps.Assembler = agentctx.NewAssembler(agentctx.AssemblerConfig{})
	}
	if deps.Pressure == nil {
		deps.Pressure = agentctx.NewDetector(0, 0)
	}
	if deps.Tools == nil {
		deps.Tools = func() *agent.ToolRegistry { return agent.NewToolRegistry() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		deps:   deps,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*connection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     loopbackOrigin,
	}
	if deps.Workflows != nil {
		deps.Workflows.SetApprovalHandler(s.workflowApprovalNeeded)
	}
	return s, nil
}

// Handler returns the HTTP routes: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.mu.Lock()
	s.http = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, closes live ones and waits for
// background workflow runs, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	server := s.http
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":      "ok",
		"connections": open,
		"kinds":       len(supportedKinds()),
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackAddr(r.RemoteAddr) {
		s.logger.Warn("rejected non-loopback connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConnection(s, conn)
	s.track(c, true)
	defer s.track(c, false)
	c.run()
}

func (s *Server) track(c *connection, open bool) {
	s.mu.Lock()
	if open {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	if open {
		s.metrics.ConnectionOpened()
		c.logger.Info("connection opened")
	} else {
		s.metrics.ConnectionClosed()
		c.logger.Info("connection closed")
	}
}

// broadcast sends v to every live connection.
func (s *Server) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode broadcast", "error", err)
		return
	}
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.enqueueRaw(data); err != nil {
			c.logger.Warn("dropped broadcast", "error", err)
		}
	}
}

// HeartbeatAlert broadcasts a heartbeat result that needs action. It
// satisfies heartbeat.AlertFunc.
func (s *Server) HeartbeatAlert(ctx context.Context, schedule string, result heartbeat.Result) {
	s.logger.Info("heartbeat alert", "schedule", schedule, "item", result.Item.Text)
	s.broadcast(heartbeatAlert{
		Type:     KindHeartbeatAlert,
		Schedule: schedule,
		Result:   result,
		At:       time.Now().UTC(),
	})
}

func (s *Server) workflowApprovalNeeded(exec *workflow.Execution, step workflow.Step) {
	s.mu.Lock()
	for c := range s.conns {
		c.expectWorkflowApproval(exec.ID)
	}
	s.mu.Unlock()
	s.broadcast(workflowApprovalRequest{
		Type:        KindWorkflowApprovalRequest,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      step.ID,
		Action:      string(step.Action),
		Tool:        step.Tool,
	})
}

// background runs fn on the server context so it outlives the connection
// that started it.
func (s *Server) background(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(s.ctx)
	}()
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loopbackOrigin accepts non-browser clients and pages served from a
// loopback host.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
