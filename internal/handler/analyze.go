package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/code-engine/internal/analyzer"
	"github.com/sakif/code-engine/internal/model"
)

// AnalysisService is the part of service.Engine the static endpoints use.
type AnalysisService interface {
	Analyze(req analyzer.AnalysisRequest) (*analyzer.AnalysisResult, error)
	ParseDiff(diff string) ([]string, error)
}

// AnalyzeHandler serves the endpoints that never run code.
type AnalyzeHandler struct {
	engine AnalysisService
	logger *slog.Logger
}

func NewAnalyzeHandler(engine AnalysisService, logger *slog.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{engine: engine, logger: logger}
}

// HandleAnalyze returns complexity metrics.
// POST /analyze {"code": "...", "language": "go", "breakdown": true}
func (h *AnalyzeHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzer.AnalysisRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := h.engine.Analyze(req)
	if err != nil {
		WriteError(w, err)
		return
	}
	if len(result.Warnings) > 0 {
		h.logger.Debug("analysis finished with warnings",
			slog.String("language", result.Language),
			slog.Int("warnings", len(result.Warnings)),
		)
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleDiff lists the files a unified diff touches.
// POST /diff {"diff": "..."} → {"files": [...]}
func (h *AnalyzeHandler) HandleDiff(w http.ResponseWriter, r *http.Request) {
	var req model.DiffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	files, err := h.engine.ParseDiff(req.Diff)
	if err != nil {
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, model.DiffResponse{Files: files})
}
