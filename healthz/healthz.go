package healthz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

// Check verifies one dependency.
type Check func(ctx context.Context) error

// Handler answers 200 when every check passes.  With no checks it is a plain
// liveness endpoint.
type Handler struct {
	checks map[string]Check
}

func New() *Handler {
	return &Handler{checks: map[string]Check{}}
}

// WithCheck adds a named check.
func (h *Handler) WithCheck(name string, check Check) *Handler {
	h.checks[name] = check
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", slog.String("check", name), slog.Any("err", err))
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "503 %s: %v", name, err)
			return
		}
	}
	w.Write([]byte("200 OK"))
}

// NewDebugServeMux serves liveness, readiness and pprof.
func NewDebugServeMux(ready *Handler) *http.ServeMux {
	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", New())
	debugServeMux.Handle("/readyz", ready)
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return debugServeMux
}
