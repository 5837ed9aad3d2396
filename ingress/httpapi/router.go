// Package httpapi exposes the ingress service over HTTP with chi.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mealplanagent"
	"mealplanagent/artifacts"
	"mealplanagent/dispatch"
	"mealplanagent/ingress"
	"mealplanagent/job"
)

const maxBodyBytes = 64 << 10

type ctxKey struct{}

// NewRouter wires the public and internal routes. workerSecret guards the
// internal continuation route; an empty secret disables that route.
func NewRouter(svc *ingress.Service, auth *ingress.Authenticator, workerSecret string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate(auth))
		r.Post("/plans", submitPlan(svc))
		r.Get("/jobs/{id}", jobStatus(svc))
		r.Get("/jobs/{id}/plan", jobPlan(svc))
	})

	if workerSecret != "" {
		r.Post("/internal/jobs/run", runJob(svc, workerSecret))
	}
	return r
}

func authenticate(auth *ingress.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := auth.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
		})
	}
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func submitPlan(svc *ingress.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, mealplanagent.Wrap(mealplanagent.KindValidation, "read body", err))
			return
		}
		accepted, err := svc.Submit(r.Context(), userFrom(r), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusAccepted
		if accepted.Deduped {
			status = http.StatusOK
		}
		writeJSON(w, status, accepted)
	}
}

func jobStatus(svc *ingress.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context(), userFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func jobPlan(svc *ingress.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := svc.Plan(r.Context(), userFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

func runJob(svc *ingress.Service, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(dispatch.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeError(w, r, ingress.ErrUnauthenticated)
			return
		}
		var inv dispatch.Invocation
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&inv); err != nil {
			writeError(w, r, mealplanagent.Wrap(mealplanagent.KindValidation, "decode invocation", err))
			return
		}
		if err := svc.Resume(r.Context(), inv); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": inv.JobID, "resume": inv.Resume})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("INGRESS: Failed to encode response", "error", err)
	}
}

// statusOf maps an error to a response code. Not-found and unauthenticated
// errors come from sentinels; everything else from the error kind.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ingress.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, job.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound
	default:
		return mealplanagent.HTTPStatus(mealplanagent.KindOf(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("INGRESS: Request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		slog.Info("INGRESS: Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": msg, "kind": mealplanagent.KindOf(err).String()})
}
