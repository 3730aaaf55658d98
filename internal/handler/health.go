package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/sakif/code-engine/internal/analyzer"
	"github.com/sakif/code-engine/internal/executor"
	"github.com/sakif/code-engine/internal/model"
	"github.com/sakif/code-engine/internal/transform"
)

// StatusService reports engine capacity.
type StatusService interface {
	Stats(ctx context.Context) (executor.Stats, bool)
	Version() string
}

// healthCheckTimeout bounds the backend ping behind /healthz.
const healthCheckTimeout = 2 * time.Second

// HandleHealth reports liveness and sandbox capacity.
// GET /healthz
//
// Without a sandbox backend, or with one that does not answer, the engine
// still serves analysis, so the answer stays 200 with status "degraded".
func HandleHealth(engine StatusService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		stats, ok := engine.Stats(ctx)
		status := "ok"
		if !ok || !stats.Reachable {
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, model.Health{
			Status:     status,
			Version:    engine.Version(),
			Sandbox:    stats,
			Languages:  analyzer.Languages(),
			Algorithms: transform.Algorithms(),
		})
	}
}
