package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/sensorpub/internal/arbiter"
	"github.com/nugget/sensorpub/internal/connwatch"
	"github.com/nugget/sensorpub/internal/orchestrator"
	"github.com/nugget/sensorpub/internal/producer"
	"github.com/nugget/sensorpub/internal/sensor"
)

// maxBody bounds request bodies; manual configs and allow-lists are
// small.
const maxBody = 1 << 20

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Services map[string]connwatch.ServiceStatus `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "healthy", Services: map[string]connwatch.ServiceStatus{}}
	status := http.StatusOK
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Ready() {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sim.Status())
}

func (s *Server) handleManualStart(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}

	var cfg producer.ManualConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&cfg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.sim.StartManual(d, cfg); err != nil {
		s.errorResponse(w, startStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.sim.Status().Domains[d].Manual)
}

// startStatus maps a StartManual error to an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, arbiter.ErrKeyConflict), errors.Is(err, producer.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, producer.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StopResponse is the body of POST /v1/manual/{domain}/stop. A loop
// that outlived the join timeout is reported in TimedOut; its keys are
// released either way.
type StopResponse struct {
	Domain   sensor.Domain `json:"domain"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func (s *Server) handleManualStop(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}

	resp := StopResponse{Domain: d}
	if err := s.sim.StopManual(r.Context(), d); err != nil {
		if !errors.Is(err, producer.ErrShutdownTimeout) {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.TimedOut = true
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// AllowResponse is the body returned by the allow-list endpoints.
type AllowResponse struct {
	Domain  sensor.Domain `json:"domain"`
	Allowed []string      `json:"allowed"`
}

func (s *Server) handleAllowReplace(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}

	var exprs []string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&exprs); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: expected a JSON array of keys")
		return
	}
	keys, err := sensor.ParseKeys(d, exprs)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sim.ReplaceAllowList(d, keys)
	s.writeJSON(w, http.StatusOK, AllowResponse{Domain: d, Allowed: s.sim.Status().Domains[d].Allowed})
}

func (s *Server) handleAllowClear(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	s.sim.ClearAllowList(d)
	s.writeJSON(w, http.StatusOK, AllowResponse{Domain: d, Allowed: []string{}})
}

// LogsResponse is the body of GET /v1/logs.
type LogsResponse struct {
	Lines []string `json:"lines"`
}

// handleLogs returns the display buffer, optionally only the newest
// ?tail=N lines.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var lines []string
	if s.funnel != nil {
		lines = s.funnel.Lines()
	}
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		if n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	if lines == nil {
		lines = []string{}
	}
	s.writeJSON(w, http.StatusOK, LogsResponse{Lines: lines})
}
