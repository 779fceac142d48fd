// Package httpapi is the operational HTTP surface: zone status, gain
// inspection, manual apply/rollback, and the Prometheus scrape endpoint.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"nrgchamp/zonetune/internal/engine"
	"nrgchamp/zonetune/internal/gains"
)

// Server routes operational requests onto the per-zone engines.
type Server struct {
	engines map[string]*engine.Engine
	metrics http.Handler
	reload  func() error
	lg      *slog.Logger
	started time.Time
}

// New builds the server over the given engines. metricsHandler and reload
// may be nil; a nil reload disables /config/reload.
func New(engines map[string]*engine.Engine, metricsHandler http.Handler, reload func() error, lg *slog.Logger) *Server {
	return &Server{
		engines: engines,
		metrics: metricsHandler,
		reload:  reload,
		lg:      lg.With(slog.String("component", "httpapi")),
		started: time.Now(),
	}
}

// Router builds the mux with request logging.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/zones", s.handleZones).Methods(http.MethodGet)
	r.HandleFunc("/zones/{id}/status", s.handleZoneStatus).Methods(http.MethodGet)
	r.HandleFunc("/zones/{id}/gains", s.handleZoneGains).Methods(http.MethodGet)
	r.HandleFunc("/zones/{id}/history", s.handleZoneHistory).Methods(http.MethodGet)
	r.HandleFunc("/zones/{id}/setpoint", s.handleSetpoint).Methods(http.MethodPost)
	r.HandleFunc("/zones/{id}/apply", s.handleApply).Methods(http.MethodPost)
	r.HandleFunc("/zones/{id}/rollback", s.handleRollback).Methods(http.MethodPost)
	if s.reload != nil {
		r.HandleFunc("/config/reload", s.handleReload).Methods(http.MethodPost)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return handlers.LoggingHandler(os.Stdout, r)
}

func (s *Server) zone(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	id := mux.Vars(r)["id"]
	eng, ok := s.engines[id]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown zone "+id)
		return nil, false
	}
	return eng, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"zones":   len(s.engines),
		"uptimeS": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := make([]engine.OperationalStatus, 0, len(s.engines))
	for _, eng := range s.engines {
		out = append(out, eng.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleZones(w http.ResponseWriter, _ *http.Request) {
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleZoneStatus(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.zone(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, eng.Status())
}

func (s *Server) handleZoneGains(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.zone(w, r)
	if !ok {
		return
	}
	g, have := eng.Gains()
	if !have {
		s.writeError(w, http.StatusNotFound, "zone has no gains yet")
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleZoneHistory(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.zone(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, eng.RecentChanges())
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.zone(w, r)
	if !ok {
		return
	}
	var body struct {
		SetpointC float64 `json:"setpointC"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if body.SetpointC < 5 || body.SetpointC > 35 {
		s.writeError(w, http.StatusBadRequest, "setpointC out of range 5..35")
		return
	}
	eng.SetSetpoint(body.SetpointC)
	s.writeJSON(w, http.StatusOK, map[string]any{"setpointC": body.SetpointC})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.zone(w, r)
	if !ok {
		return
	}
	var g gains.Gains
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if err := eng.ManualApply(time.Now(), g); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.lg.Info("manual gains applied", slog.String("zone", eng.ZoneID()))
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.zone(w, r)
	if !ok {
		return
	}
	if err := eng.ManualRollback(time.Now()); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.lg.Info("manual rollback executed", slog.String("zone", eng.ZoneID()))
	g, _ := eng.Gains()
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.reload(); err != nil {
		s.lg.Error("config reload failed", slog.Any("err", err))
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.lg.Info("config reloaded")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.lg.Error("response encode failed", slog.Any("err", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
