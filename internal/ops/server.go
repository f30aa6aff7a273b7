// Package ops serves health, metrics, the manual cycle trigger and optional pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"tecbrain/internal/orchestrator"
	logx "tecbrain/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:8080"
	pprofPrefix = "/debug/pprof/"
	pingTimeout = 3 * time.Second
)

type Config struct {
	Addr        string
	Token       string
	Pprof       bool
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Cycles is the runner surface the server needs.
type Cycles interface {
	Start(ctx context.Context) bool
	Running() bool
	LastReport() *orchestrator.CycleReport
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg     Config
	cycles  Cycles
	store   Pinger
	metrics http.Handler
	log     logx.Logger
	started time.Time

	mu     sync.Mutex
	runCtx context.Context
	srv    *http.Server
	ln     net.Listener
}

// New builds the server. store and metrics may be nil.
func New(cfg Config, cycles Cycles, store Pinger, metrics http.Handler, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:     cfg,
		cycles:  cycles,
		store:   store,
		metrics: metrics,
		log:     log.With(logx.String("comp", "ops")),
		started: time.Now(),
		runCtx:  context.Background(),
	}
}

// Handler is the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/api/run-now", s.withAuth(s.handleRunNow))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.cfg.Pprof {
		mux.HandleFunc(pprofPrefix, s.withAuth(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", s.withAuth(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", s.withAuth(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", s.withAuth(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", s.withAuth(hpprof.Trace))
	}
	return mux
}

// Serve listens on cfg.Addr and blocks until ctx ends. Cycles triggered over HTTP run under ctx.
func (s *Server) Serve(ctx context.Context) error {
	if err := CheckExposure(s.cfg); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.runCtx, s.srv, s.ln = ctx, srv, ln
	s.mu.Unlock()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("token_set", s.cfg.Token != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.log.Info("ops server stopped")
		return nil
	}
}

// Addr is the bound address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

type healthResponse struct {
	Status       string                    `json:"status"`
	Uptime       string                    `json:"uptime"`
	Store        string                    `json:"store,omitempty"`
	CycleRunning bool                      `json:"cycle_running"`
	LastCycle    *orchestrator.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		CycleRunning: s.cycles.Running(),
		LastCycle:    s.cycles.LastReport(),
	}
	code := http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := s.store.Ping(ctx)
		cancel()
		if err != nil {
			s.log.Warn("health: store ping failed", logx.Err(err))
			resp.Status, resp.Store, code = "degraded", "unreachable", http.StatusServiceUnavailable
		} else {
			resp.Store = "ok"
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	if !s.cycles.Start(ctx) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	s.log.Info("manual cycle triggered", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// withAuth accepts "Authorization: Bearer <token>" when a token is configured.
func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(got) != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// CheckExposure rejects a non-loopback listen address without a token.
func CheckExposure(cfg Config) error {
	addr := cfg.Addr
	if strings.TrimSpace(addr) == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		return errors.New("ops: non-loopback addr requires a token")
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
