package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Resolver runs one escalation to completion.
type Resolver interface {
	Resolve(ctx context.Context, question, callerPhone string) escalation.Outcome
}

// Dispatcher runs a notification sweep.
type Dispatcher interface {
	Run(ctx context.Context) (int, error)
}

// Compactor folds answered questions into long-term knowledge.
type Compactor interface {
	Compact(ctx context.Context) (int, error)
}

type AppDeps struct {
	Records    storage.RecordStore
	Knowledge  knowledge.Store
	Resolver   Resolver
	Dispatcher Dispatcher
	Compactor  Compactor
	Token      string
}

type AnswerRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type DeleteRequest struct {
	Question string `json:"question"`
}

type EscalationRequest struct {
	Question    string `json:"question"`
	CallerPhone string `json:"caller_phone"`
}

type ImportRequest struct {
	Entries []knowledge.Pair `json:"entries"`
}

// NewAppHandler returns the full HTTP surface: unauthenticated health and
// metrics, and bearer-protected management routes under /api.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/stats", handleStats(deps))
		r.Get("/unanswered", handleUnanswered(deps))
		r.Get("/answered", handleAnswered(deps))
		r.Post("/answer", handleAnswer(deps))
		r.Post("/delete", handleDelete(deps))
		r.Post("/escalations", handleEscalate(deps))
		r.Post("/notifications/run", handleRunNotifications(deps))
		r.Get("/knowledge", handleListKnowledge(deps))
		r.Post("/knowledge", handleImportKnowledge(deps))
		r.Get("/knowledge/prompt", handleKnowledgePrompt(deps))
		r.Post("/knowledge/compact", handleCompact(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Records.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to compute stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleUnanswered(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Records.Pending(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to list questions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(recs))
	}
}

func handleAnswered(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter storage.AnsweredFilter
		if v := r.URL.Query().Get("delivered"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "delivered must be true or false")
				return
			}
			filter.Delivered = &b
		}

		recs, err := deps.Records.Answered(r.Context(), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to list questions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(recs))
	}
}

func handleAnswer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AnswerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question and answer are required")
			return
		}

		err := deps.Records.SetAnswer(r.Context(), req.Question, strings.TrimSpace(req.Answer))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "question not found")
			return
		case errors.Is(err, storage.ErrEmptyAnswer):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "answer is empty")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to save answer: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func handleDelete(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeleteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		err := deps.Records.Delete(r.Context(), req.Question)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "question not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to delete question: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// handleEscalate blocks for the whole wait window. A client disconnect
// cancels the request context, which ends the wait as abandoned.
func handleEscalate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Resolver == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "escalation is not enabled")
			return
		}
		var req EscalationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		out := deps.Resolver.Resolve(r.Context(), req.Question, req.CallerPhone)
		writeJSON(w, http.StatusOK, escalationResponse{
			State:   out.State.String(),
			Answer:  out.Answer,
			Message: out.Message,
		})
	}
}

type escalationResponse struct {
	State   string `json:"state"`
	Answer  string `json:"answer,omitempty"`
	Message string `json:"message"`
}

func handleRunNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Dispatcher == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "notifications are not enabled")
			return
		}
		sent, err := deps.Dispatcher.Run(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "notify_error", "notification sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
	}
}

func handleCompact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Compactor == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "compaction is not enabled")
			return
		}
		n, err := deps.Compactor.Compact(r.Context())
		if errors.Is(err, knowledge.ErrBusy) {
			httpError(w, http.StatusConflict, "busy", "escalations are waiting for answers; try again later")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "compaction failed: %v", err)
			return
		}
		metrics.Archived.Add(float64(n))
		writeJSON(w, http.StatusOK, map[string]int{"archived": n})
	}
}

func handleListKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Knowledge.LearnedKnowledge(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to list knowledge: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(entries))
	}
}

func handleImportKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Entries) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "entries are required")
			return
		}
		for i, e := range req.Entries {
			if strings.TrimSpace(e.Question) == "" || strings.TrimSpace(e.Answer) == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "entry %d: question and answer are required", i+1)
				return
			}
		}

		for i, e := range req.Entries {
			if err := deps.Knowledge.AppendKnowledge(r.Context(), e.Question, e.Answer); err != nil {
				httpError(w, http.StatusInternalServerError, "storage_error", "imported %d of %d: %v", i, len(req.Entries), err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, map[string]int{"imported": len(req.Entries)})
	}
}

func handleKnowledgePrompt(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text, err := renderKnowledge(r.Context(), deps.Records, deps.Knowledge)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(text))
	}
}

func renderKnowledge(ctx context.Context, records storage.RecordStore, store knowledge.Store) (string, error) {
	learned, err := store.LearnedKnowledge(ctx)
	if err != nil {
		return "", fmt.Errorf("listing learned knowledge: %w", err)
	}
	recent, err := records.Answered(ctx, storage.AnsweredFilter{})
	if err != nil {
		return "", fmt.Errorf("listing answered questions: %w", err)
	}
	return knowledge.Render(learned, recent), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
