// Package httpapi exposes the thin HTTP admin surface over the lifecycle
// manager. Handlers decode, delegate, and encode; all behavior lives in the
// core packages.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/perch-run/perch/common/trace"
	"github.com/perch-run/perch/internal/perch/configgen"
	"github.com/perch-run/perch/internal/perch/lifecycle"
	"github.com/perch-run/perch/internal/perch/ports"
	"github.com/perch-run/perch/internal/perch/store"
)

// Manager is the slice of the lifecycle manager the handlers need.
// *lifecycle.Manager satisfies it.
type Manager interface {
	Create(ctx context.Context, tenantID string, choices configgen.Choices) (*store.Instance, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*lifecycle.InstanceStatus, error)
	UpdateConfig(ctx context.Context, id string, choices configgen.Choices) error
	List(ctx context.Context) ([]*store.Instance, error)
}

// Server routes admin requests to the manager.
type Server struct {
	manager Manager
	token   string
}

// New creates a Server. token guards every route except /healthz.
func New(manager Manager, token string) *Server {
	return &Server{manager: manager, token: token}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /instances", s.authed(s.handleCreate))
	mux.Handle("GET /instances", s.authed(s.handleList))
	mux.Handle("POST /instances/{id}/start", s.authed(s.handleStart))
	mux.Handle("POST /instances/{id}/stop", s.authed(s.handleStop))
	mux.Handle("DELETE /instances/{id}", s.authed(s.handleDelete))
	mux.Handle("GET /instances/{id}/status", s.authed(s.handleStatus))
	mux.Handle("PUT /instances/{id}/config", s.authed(s.handleUpdateConfig))
	return mux
}

// authed wraps a handler with bearer-token auth and trace-ID injection.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = trace.NewID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next(w, r.WithContext(trace.WithID(r.Context(), traceID)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRequest is the body for POST /instances.
type createRequest struct {
	TenantID string            `json:"tenant_id"`
	Choices  configgen.Choices `json:"choices"`
}

// instanceView is the user-facing instance representation. The gateway token
// never leaves the server.
type instanceView struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Status    store.Status `json:"status"`
	Port      int64        `json:"port,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func viewOf(inst *store.Instance) instanceView {
	return instanceView{
		ID:        inst.ID,
		TenantID:  inst.TenantID,
		Status:    inst.Status,
		Port:      inst.Port.Int64,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	inst, err := s.manager.Create(r.Context(), req.TenantID, req.Choices)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(inst))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	instances, err := s.manager.List(r.Context())
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, viewOf(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, s.manager.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, s.manager.Stop)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, s.manager.Delete)
}

func (s *Server) simpleOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if err := op(r.Context(), r.PathValue("id")); err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var choices configgen.Choices
	if err := json.NewDecoder(r.Body).Decode(&choices); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.manager.UpdateConfig(r.Context(), r.PathValue("id"), choices); err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeManagerError maps core errors onto HTTP statuses.
func (s *Server) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	var applyErr *lifecycle.ConfigApplyError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, lifecycle.ErrInstanceDeleted),
		errors.Is(err, lifecycle.ErrNoContainerAttached):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ports.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, "no capacity for new instances")
	case errors.Is(err, configgen.ErrAPIKeyRequired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &applyErr):
		writeError(w, http.StatusBadGateway, applyErr.Error())
	default:
		slog.Error("admin api: request failed",
			"method", r.Method, "path", r.URL.Path,
			"trace", trace.FromContext(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
