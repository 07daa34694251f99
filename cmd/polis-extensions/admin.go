package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-extensions/pkg/config"
	"github.com/polisai/polis-extensions/pkg/domain"
	"github.com/polisai/polis-extensions/pkg/host"
)

const maxRequestBody = 1 << 20

type domainView struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	Extensions []string       `json:"extensions"`
	Mounted    []string       `json:"mounted"`
}

type chainResultView struct {
	Completed       bool     `json:"completed"`
	Path            []string `json:"path"`
	Error           string   `json:"error,omitempty"`
	TimedOut        bool     `json:"timedOut"`
	ExecutionTimeMs int64    `json:"executionTimeMs"`
}

type adminAPI struct {
	rt     *runtime
	logger *slog.Logger
}

// newAdminHandler serves health, metrics and the runtime admin API.
func newAdminHandler(rt *runtime, logger *slog.Logger) http.Handler {
	api := &adminAPI{rt: rt, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(rt.metrics.MetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/domains", api.listDomains)
		r.Get("/domains/{id}", api.getDomain)
		r.Put("/domains/{id}/properties", api.updateProperties)
		r.Post("/extensions/{id}/mount", api.mount)
		r.Post("/extensions/{id}/unmount", api.unmount)
		r.Post("/chains", api.executeChain)
		r.Get("/breakers", api.breakers)
	})

	return otelhttp.NewHandler(r, "polis.extensions.admin")
}

func (a *adminAPI) view(id string) (domainView, bool) {
	state, ok := a.rt.host.DomainState(id)
	if !ok {
		return domainView{}, false
	}
	return domainView{
		ID:         id,
		Properties: state.Properties,
		Extensions: a.rt.host.ExtensionsForDomain(id),
		Mounted:    a.rt.host.MountedExtensions(id),
	}, true
}

func (a *adminAPI) listDomains(w http.ResponseWriter, _ *http.Request) {
	views := make([]domainView, 0)
	for _, id := range a.rt.host.DomainIDs() {
		if v, ok := a.view(id); ok {
			views = append(views, v)
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *adminAPI) getDomain(w http.ResponseWriter, r *http.Request) {
	v, ok := a.view(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, domain.ErrDomainNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *adminAPI) updateProperties(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&values); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := a.rt.host.UpdateDomainProperties(chi.URLParam(r, "id"), values); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) mount(w http.ResponseWriter, r *http.Request) {
	if err := a.rt.host.MountExtension(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.logger.Warn("Mount via admin API failed", "extension_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) unmount(w http.ResponseWriter, r *http.Request) {
	if err := a.rt.host.UnmountExtension(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) executeChain(w http.ResponseWriter, r *http.Request) {
	var spec config.ChainSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&spec); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	result := a.rt.host.ExecuteActionsChain(r.Context(), spec.ToDomain())
	view := chainResultView{
		Completed:       result.Completed,
		Path:            result.Path,
		TimedOut:        result.TimedOut,
		ExecutionTimeMs: result.ExecutionTime.Milliseconds(),
	}
	if view.Path == nil {
		view.Path = []string{}
	}
	if result.Error != nil {
		view.Error = result.Error.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *adminAPI) breakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.breakers.States())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps runtime errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrDomainNotFound), errors.Is(err, domain.ErrExtensionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyMounted), errors.Is(err, domain.ErrNotMounted),
		errors.Is(err, domain.ErrPendingActions):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPropertyNotDeclared), errors.Is(err, domain.ErrInvalidDefinition):
		status = http.StatusBadRequest
	case errors.Is(err, host.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
