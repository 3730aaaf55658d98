// Package model defines the JSON bodies of the HTTP API.
//
// Engine types (executor.ExecutionResult, analyzer.AnalysisResult) are
// returned as they are; the structs here only cover what the engine has no
// type for: optional fields with HTTP defaults, async task status, and the
// small diff/transform envelopes.
package model

import (
	"time"

	"github.com/sakif/code-engine/internal/executor"
)

// ExecuteRequest is the body of POST /execute and POST /execute/async.
//
// TimeoutMs is a pointer so an omitted field (use the default) can be told
// apart from an explicit 0 (rejected).
type ExecuteRequest struct {
	Code           string                   `json:"code"`
	TimeoutMs      *int64                   `json:"timeout_ms,omitempty"`
	Runtime        string                   `json:"runtime,omitempty"`
	ResourceLimits *executor.ResourceLimits `json:"resource_limits,omitempty"`
}

// Execution converts the body into an engine request.
func (r ExecuteRequest) Execution(defaultTimeout time.Duration) executor.ExecutionRequest {
	ms := defaultTimeout.Milliseconds()
	if r.TimeoutMs != nil {
		ms = *r.TimeoutMs
	}
	return executor.ExecutionRequest{
		Code:      r.Code,
		TimeoutMs: ms,
		Runtime:   r.Runtime,
		Limits:    r.ResourceLimits,
	}
}

// TaskPending is the status of an async execution that has not finished.
const TaskPending = "pending"

// TaskResponse is returned by POST /execute/async, and by GET /execute/{id}
// while the task runs. A finished task is answered with its ExecutionResult.
type TaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
