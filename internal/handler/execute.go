package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-engine/internal/apperror"
	"github.com/sakif/code-engine/internal/executor"
	"github.com/sakif/code-engine/internal/model"
)

// maxTaskWait caps the ?wait= long-poll of GET /execute/{id}.
const maxTaskWait = 60 * time.Second

// ExecutionService is the part of service.Engine the execute endpoints use.
type ExecutionService interface {
	DefaultTimeout() time.Duration
	Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
	Submit(req executor.ExecutionRequest) (string, error)
	Task(id string) (*executor.ExecutionResult, bool, error)
	Wait(ctx context.Context, id string) (*executor.ExecutionResult, error)
	Cancel(id string) error
}

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	engine ExecutionService
	logger *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(engine ExecutionService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleExecute runs code and answers once the sandbox has been reaped.
// POST /execute
//
// Timeouts, crashes and limit violations of the code are a normal 200 with
// the details in the result; only refused requests are errors.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var body model.ExecuteRequest
	if err := decodeJSON(w, r, &body); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		WriteError(w, err)
		return
	}

	req := body.Execution(h.engine.DefaultTimeout())
	h.logger.Info("executing code",
		slog.String("runtime", req.Runtime),
		slog.Int64("timeout_ms", req.TimeoutMs),
		slog.Int("code_bytes", len(req.Code)),
	)

	result, err := h.engine.Execute(r.Context(), req)
	if err != nil {
		h.logger.Error("code execution failed", slog.String("error", err.Error()))
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleSubmit starts code in the background.
// POST /execute/async → 202 {"id": "...", "status": "pending"}
func (h *ExecuteHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body model.ExecuteRequest
	if err := decodeJSON(w, r, &body); err != nil {
		WriteError(w, err)
		return
	}

	id, err := h.engine.Submit(body.Execution(h.engine.DefaultTimeout()))
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Location", "/execute/"+id)
	writeJSON(w, http.StatusAccepted, model.TaskResponse{ID: id, Status: model.TaskPending})
}

// HandleGetTask polls an async execution.
// GET /execute/{id}[?wait=2s]
//
// A running task answers 202 with its status. With ?wait the call blocks up
// to that long (capped at one minute) for the result first; wait=0 is a plain
// poll.
func (h *ExecuteHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		result  *executor.ExecutionResult
		pending bool
		err     error
		d       time.Duration
	)
	if wait := r.URL.Query().Get("wait"); wait != "" {
		var perr error
		d, perr = time.ParseDuration(wait)
		if perr != nil || d < 0 {
			WriteError(w, apperror.ValidationFailed("wait", "wait must be a duration such as 2s"))
			return
		}
	}
	if d > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), min(d, maxTaskWait))
		defer cancel()

		result, err = h.engine.Wait(ctx, id)
		if errors.Is(err, context.DeadlineExceeded) {
			pending, err = true, nil
		}
	} else {
		result, pending, err = h.engine.Task(id)
	}

	switch {
	case err != nil:
		h.logger.Warn("task lookup failed", slog.String("id", id), slog.String("error", err.Error()))
		WriteError(w, err)
	case pending:
		writeJSON(w, http.StatusAccepted, model.TaskResponse{ID: id, Status: model.TaskPending})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleCancelTask kills a running async execution.
// DELETE /execute/{id} → 204
func (h *ExecuteHandler) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
