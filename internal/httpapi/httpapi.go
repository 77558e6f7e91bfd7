// Package httpapi exposes a small local HTTP API over the merged device
// snapshots: listing, per-device reads, and valve control.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nwestergaard/aquabridge/internal/core/api"
	"github.com/nwestergaard/aquabridge/internal/core/device"
)

// Server is the HTTP API server.
type Server struct {
	store   *device.Store
	client  *api.Client
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(store *device.Store, client *api.Client, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		store:   store,
		client:  client,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/valve", s.handleSetValve)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.All())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.store.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetValve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Open *bool `json:"open"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Open == nil {
		s.writeError(w, http.StatusBadRequest, "body must be {\"open\": true|false}")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := s.client.SetValve(ctx, id, *body.Open); err != nil {
		s.log.Error("valve command failed", "device_id", id, "error", err)
		var reqErr *api.RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusNotFound {
			s.writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		s.writeError(w, http.StatusBadGateway, "valve command failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"open": *body.Open})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
