// Package httpapi implements the pool/resource HTTP surface: six endpoints,
// each translating a request into a call on internal/reservation or on
// internal/store (stats queries, and the pool create/delete writes), plus
// GET /health and an optional GET /metrics. It never touches
// internal/backend directly; only the engine talks to drivers.
// Authentication is out of scope.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/metrics"
	"github.com/testpool/testpoold/internal/reservation"
	"github.com/testpool/testpoold/internal/store"
)

// Config holds the HTTP surface's dependencies and listen address.
type Config struct {
	Addr         string
	Store        store.Store
	Reservations *reservation.Reservations
	// Metrics is optional; when set, its collectors are exposed at /metrics.
	Metrics *metrics.Metrics
}

// Server holds the HTTP surface's dependencies: every handler is a method
// closing over Store and Reservations rather than relying on package-level
// globals.
type Server struct {
	store        store.Store
	reservations *reservation.Reservations
	httpServer   *http.Server
}

// NewServer builds the mux and binds it to cfg.Addr without starting it.
func NewServer(cfg Config) *Server {
	s := &Server{store: cfg.Store, reservations: cfg.Reservations}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pool", s.handleListPools)
	mux.HandleFunc("POST /api/pool/{name}", s.handleCreatePool)
	mux.HandleFunc("DELETE /api/pool/{name}", s.handleDeletePool)
	mux.HandleFunc("GET /api/pool/{name}/acquire", s.handleAcquire)
	mux.HandleFunc("GET /api/pool/{name}", s.handleGetPool)
	mux.HandleFunc("GET /api/resource/{id}/release", s.handleRelease)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// GET /health reports whether the store is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe starts serving and blocks until the server stops or
// errors (http.ErrServerClosed on a graceful Shutdown).
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GET /api/pool
func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ListPoolStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/pool/{name}
func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	pool, err := s.store.GetPoolByName(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	stats, err := s.store.PoolStats(r.Context(), pool.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/pool/{name}/acquire?expiration=SECS
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ttl := reservation.DefaultTTL
	if v := r.URL.Query().Get("expiration"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "invalid expiration")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	resource, err := s.reservations.Acquire(r.Context(), name, ttl)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownPool) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resource)
}

// GET /api/resource/{id}/release
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.reservations.Release(r.Context(), id); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// POST /api/pool/{name}?resource_max=N&template_name=T&connection=C&product=P
func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := r.URL.Query()

	resourceMax, err := strconv.Atoi(q.Get("resource_max"))
	if err != nil || resourceMax < 0 {
		writeError(w, http.StatusBadRequest, "invalid resource_max")
		return
	}
	templateName := q.Get("template_name")
	connection := q.Get("connection")
	product := q.Get("product")
	if templateName == "" || connection == "" || product == "" {
		writeError(w, http.StatusBadRequest, "template_name, connection and product are required")
		return
	}

	ctx := r.Context()
	host, err := s.store.GetHostByConnection(ctx, connection, product)
	if errors.Is(err, domain.ErrUnknownHost) {
		host = &domain.Host{Connection: connection, Product: product}
		if err := s.store.CreateHost(ctx, host); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pool := &domain.Pool{
		Name:         name,
		HostID:       host.ID,
		TemplateName: templateName,
		ResourceMax:  resourceMax,
	}
	if err := s.store.CreatePool(ctx, pool); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// DELETE /api/pool/{name}?immediate=bool
func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	immediate := r.URL.Query().Get("immediate") == "true"

	ctx := r.Context()
	pool, err := s.store.GetPoolByName(ctx, name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if immediate {
		resources, err := s.store.ListPoolResources(ctx, pool.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, res := range resources {
			if res.Status == domain.StatusReserved {
				continue // never destroy out from under an active reservation
			}
			if err := s.store.Transition(ctx, res.ID, domain.StatusPending, domain.ActionDestroy, 0); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}

	// resource_max = 0 drives the graceful drain path: Adapt shrinks READY
	// resources and Adapt/Setup delete the pool itself once empty.
	if err := s.store.SetPoolResourceMax(ctx, pool.ID, 0); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}
