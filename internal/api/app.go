// Package api exposes insights, actions and watermarks to reviewers over
// HTTP and to agents over MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/searchpulse/internal/actions"
	"github.com/kalambet/searchpulse/internal/insights"
	"github.com/kalambet/searchpulse/internal/storage"
)

const maxBodySize = 1 << 20

const (
	defaultLimit = 50
	maxLimit     = 500
)

type AppDeps struct {
	Store    *storage.Store
	Insights *insights.Store
	Actions  *actions.Generator
	Token    string
	Logger   *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/watermarks", handleListWatermarks(deps))
		r.Get("/insights", handleListInsights(deps))
		r.Get("/insights/{id}", handleGetInsight(deps))
		r.Post("/insights/{id}/transition", handleTransitionInsight(deps))
		r.Get("/actions", handleListActions(deps))
		r.Post("/actions", handleGenerateAction(deps))
		r.Get("/actions/{id}", handleGetAction(deps))
		r.Post("/actions/{id}/start", handleMoveAction(deps.Actions.Start))
		r.Post("/actions/{id}/cancel", handleMoveAction(deps.Actions.Cancel))
		r.Post("/actions/{id}/complete", handleCompleteAction(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleListWatermarks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListWatermarks(r.Context(), r.URL.Query().Get("property"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list watermarks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, orEmpty(list))
	}
}

func handleListInsights(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := insightFilter(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		list, err := deps.Insights.List(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list insights: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, orEmpty(list))
	}
}

func insightFilter(r *http.Request) (storage.InsightFilter, error) {
	q := r.URL.Query()
	f := storage.InsightFilter{
		Property: q.Get("property"),
		Page:     q.Get("page"),
		Limit:    parseIntParam(r, "limit", defaultLimit, maxLimit),
	}
	if s := q.Get("status"); s != "" {
		st, err := insights.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if c := q.Get("category"); c != "" {
		switch cat := storage.Category(c); cat {
		case storage.CategoryAnomaly, storage.CategoryOpportunity, storage.CategoryDiagnosis:
			f.Category = cat
		default:
			return f, fmt.Errorf("unknown category %q", c)
		}
	}
	var err error
	if f.From, err = parseDateParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseDateParam(r, "to"); err != nil {
		return f, err
	}
	f.To = endOfDay(f.To)
	return f, nil
}

type insightDetail struct {
	storage.Insight
	Transitions []storage.Transition `json:"transitions"`
}

func handleGetInsight(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		in, err := deps.Insights.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "insight %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get insight: %v", err)
			return
		}
		history, err := deps.Insights.History(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, insightDetail{Insight: in, Transitions: orEmpty(history)})
	}
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func handleTransitionInsight(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		to, err := insights.ParseStatus(req.Status)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		id := chi.URLParam(r, "id")
		tr, err := deps.Insights.Transition(r.Context(), id, to, req.Reason)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "insight %s not found", id)
		case errors.Is(err, insights.ErrIllegalTransition):
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to transition insight: %v", err)
		default:
			deps.Logger.Info("insight transitioned by reviewer", "insight", id, "from", tr.From, "to", tr.To)
			writeJSON(w, http.StatusOK, tr)
		}
	}
}

func handleListActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := actionFilter(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		list, err := deps.Actions.List(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list actions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, orEmpty(list))
	}
}

func actionFilter(r *http.Request) (storage.ActionFilter, error) {
	f := storage.ActionFilter{
		Property: r.URL.Query().Get("property"),
		Limit:    parseIntParam(r, "limit", defaultLimit, maxLimit),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := actions.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	var err error
	if f.From, err = parseDateParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseDateParam(r, "to"); err != nil {
		return f, err
	}
	f.To = endOfDay(f.To)
	return f, nil
}

type generateRequest struct {
	InsightID string `json:"insight_id"`
}

func handleGenerateAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.InsightID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "insight_id is required")
			return
		}
		a, created, err := deps.Actions.Generate(r.Context(), req.InsightID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "insight %s not found", req.InsightID)
		case errors.Is(err, actions.ErrInsightClosed):
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to generate action: %v", err)
		case created:
			writeJSON(w, http.StatusCreated, a)
		default:
			writeJSON(w, http.StatusOK, a)
		}
	}
}

func handleGetAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a, err := deps.Actions.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "action %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get action: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleMoveAction(move func(ctx context.Context, id string) (storage.Action, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a, err := move(r.Context(), id)
		writeActionResult(w, id, a, err)
	}
}

type completeRequest struct {
	Outcome json.RawMessage `json:"outcome"`
}

func handleCompleteAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		a, err := deps.Actions.Complete(r.Context(), id, req.Outcome)
		writeActionResult(w, id, a, err)
	}
}

func writeActionResult(w http.ResponseWriter, id string, a storage.Action, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "action %s not found", id)
	case errors.Is(err, actions.ErrOutcomeRequired):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, actions.ErrTerminal):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to update action: %v", err)
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseDateParam(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := storage.ParseDay(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD", key)
	}
	return t, nil
}

// endOfDay makes a date bound inclusive of the whole day.
func endOfDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.AddDate(0, 0, 1).Add(-time.Microsecond)
}

// orEmpty keeps empty lists encoding as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
