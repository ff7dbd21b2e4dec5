// Package control implements the operator HTTP API: manual producer
// start and stop, allow-list edits, simulator state, the operator log
// (snapshot and live websocket stream), health and metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nugget/sensorpub/internal/buildinfo"
	"github.com/nugget/sensorpub/internal/connwatch"
	"github.com/nugget/sensorpub/internal/logfunnel"
	"github.com/nugget/sensorpub/internal/metrics"
	"github.com/nugget/sensorpub/internal/orchestrator"
	"github.com/nugget/sensorpub/internal/producer"
	"github.com/nugget/sensorpub/internal/sensor"
)

// Simulator is the set of operator operations the API drives.
// [orchestrator.Orchestrator] implements it.
type Simulator interface {
	StartManual(d sensor.Domain, cfg producer.ManualConfig) error
	StopManual(ctx context.Context, d sensor.Domain) error
	ReplaceAllowList(d sensor.Domain, keys []sensor.Key)
	ClearAllowList(d sensor.Domain)
	Status() orchestrator.Status
}

// Health reports broker reachability. [connwatch.Manager] implements it.
type Health interface {
	Status() map[string]connwatch.ServiceStatus
	Ready() bool
}

// Server is the control API server.
type Server struct {
	address  string
	port     int
	sim      Simulator
	health   Health
	funnel   *logfunnel.Funnel
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a control server. health, funnel and m may be nil;
// the matching endpoints then report empty results.
func NewServer(address string, port int, sim Simulator, health Health, funnel *logfunnel.Funnel, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		sim:     sim,
		health:  health,
		funnel:  funnel,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Log stream clients may connect from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler wrapped with access logging and
// panic recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	route := func(path, name string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, s.metrics.WrapHandler(name, h)).Methods(methods...)
	}

	route("/health", "health", s.handleHealth, http.MethodGet)
	route("/v1/version", "version", s.handleVersion, http.MethodGet)
	route("/v1/state", "state", s.handleState, http.MethodGet)

	route("/v1/manual/{domain}/start", "manual_start", s.handleManualStart, http.MethodPost)
	route("/v1/manual/{domain}/stop", "manual_stop", s.handleManualStop, http.MethodPost)

	route("/v1/allow/{domain}", "allow_replace", s.handleAllowReplace, http.MethodPut)
	route("/v1/allow/{domain}", "allow_clear", s.handleAllowClear, http.MethodDelete)

	route("/v1/logs", "logs", s.handleLogs, http.MethodGet)
	route("/v1/logs/stream", "logs_stream", s.handleLogStream, http.MethodGet)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
	)(handlers.LoggingHandler(accessLog{s.logger}, r))
}

// Start begins serving HTTP requests. It blocks until the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting control server", "address", addr, "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. A later Start returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// domain parses the {domain} path variable, writing a 400 on failure.
func (s *Server) domain(w http.ResponseWriter, r *http.Request) (sensor.Domain, bool) {
	d, err := sensor.ParseDomain(mux.Vars(r)["domain"])
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return d, true
}

// accessLog adapts slog to the io.Writer the gorilla logging handler
// wants. Each write is one Common Log Format line.
type accessLog struct{ logger *slog.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	n := len(p)
	if n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	a.logger.Debug("request", "access", string(p))
	return n, nil
}

type recoveryLogger struct{ logger *slog.Logger }

func (r recoveryLogger) Println(v ...any) {
	r.logger.Error("control handler panic", "panic", fmt.Sprint(v...))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}
