package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/idlephase/prospector/internal/pipeline"
	"github.com/idlephase/prospector/internal/task"
)

const maxRequestBodySize = 1 << 20 // 1MB

var validate = validator.New()

// Runner launches one pipeline run per task.
type Runner interface {
	Run(ctx context.Context, taskID string, params task.Params, token *task.CancelToken)
}

// SyncSearcher runs the similarity search synchronously for POST /search.
type SyncSearcher interface {
	SearchAndAnalyze(ctx context.Context, params task.Params) ([]task.AnalyzedPost, error)
}

// SubredditValidator checks subreddit existence for the validate endpoint.
type SubredditValidator interface {
	Validate(ctx context.Context, subreddit string) (bool, error)
}

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Tasks     *task.Registry
	Runner    Runner
	Search    SyncSearcher
	Reddit    SubredditValidator
	Token     string        // bearer token; empty disables auth
	Heartbeat time.Duration // SSE heartbeat interval while a task runs
}

// NewHandler builds the analysis API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/analyze", handleAnalyze(deps))
		r.Get("/analyze/{task_id}/status", handleStatus(deps))
		r.Post("/analyze/{task_id}/cancel", handleCancel(deps))
		r.Get("/events/{task_id}", handleEvents(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/subreddits/{name}/validate", handleValidateSubreddit(deps))
	})

	return r
}

// analyzeRequest accepts both task shapes: a timeframe scan
// {category, timeframe} or a similarity query
// {query, category, threshold, limit, seen}. "category" is the wire name
// for the subreddit.
type analyzeRequest struct {
	Category  string   `json:"category" validate:"required"`
	Timeframe string   `json:"timeframe,omitempty"`
	MinScore  int      `json:"min_score,omitempty" validate:"gte=0"`
	Query     string   `json:"query,omitempty"`
	Threshold float32  `json:"threshold,omitempty" validate:"gte=0,lte=1"`
	Limit     int      `json:"limit,omitempty" validate:"gte=0,lte=100"`
	Seen      []string `json:"seen,omitempty"`
}

func (req *analyzeRequest) toParams() (task.Params, error) {
	if err := validate.Struct(req); err != nil {
		return task.Params{}, err
	}

	params := task.Params{
		Subreddit: req.Category,
		MinScore:  req.MinScore,
		Query:     req.Query,
		Threshold: req.Threshold,
		Limit:     req.Limit,
		Seen:      req.Seen,
	}

	if req.Query == "" {
		if !pipeline.ValidTimeframe(req.Timeframe) {
			return task.Params{}, fmt.Errorf("timeframe must be one of week, month, year")
		}
		params.Timeframe = req.Timeframe
		return params, nil
	}

	if params.Threshold == 0 {
		params.Threshold = 0.7
	}
	if params.Limit == 0 {
		params.Limit = 10
	}
	return params, nil
}

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		params, err := req.toParams()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, token := deps.Tasks.Create(params)

		// The run outlives this request; it is bound to the cancel token,
		// not the request context.
		go deps.Runner.Run(context.WithoutCancel(r.Context()), id, params, token)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"task_id": id})
	}
}

// statusPayload is the wire shape shared by the status endpoint and the SSE
// stream.
type statusPayload struct {
	TaskID string              `json:"task_id"`
	Status task.Status         `json:"status"`
	Data   []task.AnalyzedPost `json:"data,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func toPayload(snap task.Snapshot) statusPayload {
	return statusPayload{
		TaskID: snap.TaskID,
		Status: snap.Status,
		Data:   snap.Result,
		Error:  snap.Err,
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Tasks.Get(chi.URLParam(r, "task_id"))
		if errors.Is(err, task.ErrTaskNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading task: %v", err)
			return
		}
		writeJSON(w, toPayload(snap))
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Tasks.Cancel(chi.URLParam(r, "task_id"))
		if errors.Is(err, task.ErrTaskNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cancelling task: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": string(status)})
	}
}

func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		snapshots, err := deps.Tasks.Watch(r.Context(), chi.URLParam(r, "task_id"), deps.Heartbeat)
		if errors.Is(err, task.ErrTaskNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "watching task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		for snap := range snapshots {
			payload, err := json.Marshal(toPayload(snap))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type searchRequest struct {
	Query     string   `json:"query" validate:"required"`
	Category  string   `json:"category" validate:"required"`
	Threshold float32  `json:"threshold,omitempty" validate:"gte=0,lte=1"`
	Limit     int      `json:"limit,omitempty" validate:"gte=0,lte=100"`
	Seen      []string `json:"seen,omitempty"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validate.Struct(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		threshold := req.Threshold
		if threshold == 0 {
			threshold = 0.7
		}
		limit := req.Limit
		if limit == 0 {
			limit = 10
		}

		results, err := deps.Search.SearchAndAnalyze(r.Context(), task.Params{
			Subreddit: req.Category,
			Query:     req.Query,
			Threshold: threshold,
			Limit:     limit,
			Seen:      req.Seen,
		})
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []task.AnalyzedPost{}
		}

		writeJSON(w, map[string]any{"status": "success", "data": results})
	}
}

func handleValidateSubreddit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		valid, err := deps.Reddit.Validate(r.Context(), name)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "validating subreddit: %v", err)
			return
		}

		message := fmt.Sprintf("r/%s is valid", name)
		if !valid {
			message = fmt.Sprintf("r/%s is invalid or inaccessible", name)
		}
		writeJSON(w, map[string]any{"is_valid": valid, "message": message})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
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
