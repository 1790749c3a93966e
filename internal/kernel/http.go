package kernel

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
	"github.com/lithium-project/lithium/pkg/metrics"
)

// Router builds the App Kernel's HTTP surface: the command endpoint (§6),
// the event stream, health, and metrics. go-chi is the teacher's router of
// choice and the pack's only non-redundant HTTP router for this single
// request/response endpoint plus a couple of sub-routes.
func (k *Kernel) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(k.logRequests)

	r.Get("/healthz", k.handleHealthz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/command", k.handleCommand)
	r.Get("/events", k.handleEvents)

	return r
}

func (k *Kernel) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		k.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("duration", time.Since(start)).
			Debug("handled request")
	})
}

func (k *Kernel) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, k.Health())
}

// commandRequest is the structured document §6 describes: an operation
// name plus its arguments.
type commandRequest struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args"`
}

func (k *Kernel) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Kind:    string(lerrors.InvalidArgument),
			Message: "malformed request body",
		})
		return
	}

	resp := k.Dispatch(r.Context(), req.Op, req.Args)
	status := http.StatusOK
	if !resp.OK {
		status = httpStatusForKind(resp.Kind)
	}
	writeJSON(w, status, resp)
}

func httpStatusForKind(kind string) int {
	switch lerrors.Kind(kind) {
	case lerrors.InvalidArgument:
		return http.StatusBadRequest
	case lerrors.NotFound:
		return http.StatusNotFound
	case lerrors.Conflict:
		return http.StatusConflict
	case lerrors.NotSupported:
		return http.StatusNotImplemented
	case lerrors.Timeout:
		return http.StatusGatewayTimeout
	case lerrors.Cancelled:
		return 499 // nginx's client-closed-request convention; stdlib has no named constant
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
