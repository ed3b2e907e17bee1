package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/admin"
	"github.com/reviewpilot/batchd/internal/batch"
	"github.com/reviewpilot/batchd/internal/model"
)

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// writeFailure maps domain errors to statuses. Unknown errors are logged
// and hidden from the caller.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, batch.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, batch.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, admin.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, admin.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Enqueue handles POST /batch-runs.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req batch.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	run, err := h.enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// Tick handles POST /ticks/{jobType}. "all" ticks every job type.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobType")
	if name == "all" {
		summaries, err := h.ticker.TickAll(r.Context())
		if err != nil {
			zap.L().Warn("api: tick all finished with errors", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, summaries)
		return
	}

	jobType, err := model.ParseJobType(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown job type")
		return
	}
	summary, err := h.ticker.Tick(r.Context(), jobType)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Schedule handles POST /ticks/schedule.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduling disabled")
		return
	}
	sum, err := h.scheduler.Run(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Overview handles GET /admin/batch-runs.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	var q admin.OverviewQuery
	if v := r.URL.Query().Get("includeCompleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "includeCompleted must be a boolean")
			return
		}
		q.IncludeCompleted = b
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	ov, err := h.console.Overview(r.Context(), q)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

type actionRequest struct {
	Action  string        `json:"action" validate:"required,oneof=force_fail retry"`
	RunID   string        `json:"runId" validate:"required"`
	JobType model.JobType `json:"jobType" validate:"required,oneof=rank llm concept analysis"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Action handles POST /admin/batch-runs.
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		res *admin.ActionResult
		err error
	)
	switch req.Action {
	case "force_fail":
		res, err = h.console.ForceFail(r.Context(), req.JobType, req.RunID)
	case "retry":
		res, err = h.console.Retry(r.Context(), req.JobType, req.RunID)
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if claims, ok := ClaimsFrom(r.Context()); ok {
		zap.L().Info("api: admin action",
			zap.String("action", req.Action),
			zap.String("run_id", req.RunID),
			zap.String("admin", claims.Subject),
		)
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: res.Success, Message: res.Message})
}
