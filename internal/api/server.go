package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arnberg/confide/internal/corpus"
	"github.com/arnberg/confide/internal/pipeline"
	"github.com/arnberg/confide/internal/storage"
	"github.com/arnberg/confide/internal/train"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds the dependencies of the REST surface.
type AppDeps struct {
	Store  *storage.Store
	Models *pipeline.Holder
	Token  string // empty disables auth
}

// NewAppHandler returns the REST API. Every route except /api/health
// requires the bearer token when one is configured.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/api/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/api/ask", handleAsk(deps))
		r.Get("/api/intents", handleListIntents(deps))
		r.Get("/api/intents/{name}", handleGetIntent(deps))
		r.Get("/api/interactions", handleListInteractions(deps))
		r.Get("/api/interactions/{id}", handleGetInteraction(deps))
		r.Post("/api/feedback", handleFeedback(deps))
		r.Post("/api/retrain", handleRetrain(deps))
		r.Get("/api/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":       "ok",
			"model_loaded": false,
		}
		if p := deps.Models.Current(); p != nil {
			resp["model_loaded"] = true
			resp["model_id"] = p.Artifact().Meta.ID
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type AskRequest struct {
	Text string `json:"text"`
}

// AskResponse is one answered query. The embedded result carries the full
// decision trail so clients can inspect confidences and entities.
type AskResponse struct {
	InteractionID string `json:"interaction_id"`
	ModelID       string `json:"model_id"`
	pipeline.Result
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		p := deps.Models.Current()
		if p == nil {
			httpError(w, http.StatusServiceUnavailable, "model_not_loaded", "no model loaded; train one first")
			return
		}

		start := time.Now()
		res := p.Handle(req.Text)
		latency := time.Since(start).Milliseconds()

		modelID := p.Artifact().Meta.ID
		interaction := storage.Interaction{
			ID:                  uuid.New().String(),
			CreatedAt:           time.Now().UTC(),
			Query:               req.Text,
			Intent:              res.Intent,
			IntentConfidence:    res.IntentConfidence,
			VariantID:           res.VariantID,
			SelectionConfidence: res.SelectionConfidence,
			Action:              res.Action.String(),
			Response:            res.Response,
			LatencyMS:           latency,
			ModelID:             modelID,
		}
		if err := deps.Store.SaveInteraction(interaction); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record interaction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AskResponse{
			InteractionID: interaction.ID,
			ModelID:       modelID,
			Result:        res,
		})
	}
}

// IntentSummary describes one intent group of the loaded model.
type IntentSummary struct {
	Intent   string `json:"intent"`
	Examples int    `json:"examples"`
	Variants int    `json:"variants"`
}

func handleListIntents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := deps.Models.Current()
		if p == nil {
			httpError(w, http.StatusServiceUnavailable, "model_not_loaded", "no model loaded")
			return
		}
		a := p.Artifact()

		summaries := make([]IntentSummary, len(a.Groups))
		for i, g := range a.Groups {
			summaries[i] = IntentSummary{
				Intent:   g.Intent,
				Examples: a.Classifier.Counts[i],
				Variants: len(g.VariantIDs),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summaries)
	}
}

// IntentDetail is one group with its response variants expanded.
type IntentDetail struct {
	Intent   string           `json:"intent"`
	Examples int              `json:"examples"`
	Variants []corpus.Variant `json:"variants"`
}

func handleGetIntent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := deps.Models.Current()
		if p == nil {
			httpError(w, http.StatusServiceUnavailable, "model_not_loaded", "no model loaded")
			return
		}
		a := p.Artifact()

		name := chi.URLParam(r, "name")
		for i, g := range a.Groups {
			if g.Intent != name {
				continue
			}
			detail := IntentDetail{Intent: g.Intent, Examples: a.Classifier.Counts[i]}
			for _, id := range g.VariantIDs {
				detail.Variants = append(detail.Variants, a.Variants[id])
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(detail)
			return
		}

		httpError(w, http.StatusNotFound, "not_found", "intent %q not found", name)
	}
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		interactions, err := deps.Store.GetRecentInteractions(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}

		if interactions == nil {
			interactions = []storage.Interaction{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interactions)
	}
}

func handleGetInteraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.Store.GetInteraction(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interaction)
	}
}

type FeedbackRequest struct {
	InteractionID string `json:"interaction_id"`
	Score         int    `json:"score"`
	Notes         string `json:"notes"`
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.InteractionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "interaction_id is required")
			return
		}
		if req.Score < -1 || req.Score > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "score must be -1, 0, or 1")
			return
		}

		err := deps.Store.UpdateFeedback(req.InteractionID, req.Score, req.Notes)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record feedback: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

type RetrainRequest struct {
	Reason string `json:"reason"`
}

func handleRetrain(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// The body is optional; an empty POST queues an unannotated retrain.
		var req RetrainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		payload, err := json.Marshal(map[string]string{"reason": req.Reason})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        train.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     job.ID,
			"status": "queued",
		})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(job)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
