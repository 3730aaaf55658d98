package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/code-engine/internal/model"
)

// TransformService is the part of service.Engine the transform endpoints use.
type TransformService interface {
	Transform(algorithm string, data []byte) (string, []byte, error)
	Fingerprints(data []byte, chunkSize int) (int, []uint64, error)
}

type TransformHandler struct {
	engine TransformService
	logger *slog.Logger
}

func NewTransformHandler(engine TransformService, logger *slog.Logger) *TransformHandler {
	return &TransformHandler{engine: engine, logger: logger}
}

// HandleTransform digests or compresses base64 data.
// POST /transform {"data": "<base64>", "algorithm": "xxhash"}
func (h *TransformHandler) HandleTransform(w http.ResponseWriter, r *http.Request) {
	var req model.TransformRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	algorithm, out, err := h.engine.Transform(req.Algorithm, req.Data)
	if err != nil {
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, model.TransformResponse{Algorithm: algorithm, Data: out})
}

// HandleFingerprints hashes each fixed-size chunk.
// POST /transform/fingerprints {"data": "<base64>", "chunk_size": 4096}
func (h *TransformHandler) HandleFingerprints(w http.ResponseWriter, r *http.Request) {
	var req model.FingerprintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	size, fps, err := h.engine.Fingerprints(req.Data, req.ChunkSize)
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := model.FingerprintResponse{ChunkSize: size, Fingerprints: make([]string, len(fps))}
	for i, fp := range fps {
		resp.Fingerprints[i] = fmt.Sprintf("%016x", fp)
	}
	writeJSON(w, http.StatusOK, resp)
}
