package model

import "github.com/sakif/code-engine/internal/executor"

type DiffRequest struct {
	Diff string `json:"diff"`
}

type DiffResponse struct {
	Files []string `json:"files"`
}

// TransformRequest carries binary data; encoding/json maps []byte to base64.
type TransformRequest struct {
	Data      []byte `json:"data"`
	Algorithm string `json:"algorithm,omitempty"`
}

type TransformResponse struct {
	Algorithm string `json:"algorithm"`
	Data      []byte `json:"data"`
}

type FingerprintRequest struct {
	Data      []byte `json:"data"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// FingerprintResponse lists one 16-digit hex xxHash64 per chunk. Hex keeps
// the full 64 bits intact for JavaScript clients.
type FingerprintResponse struct {
	ChunkSize    int      `json:"chunk_size"`
	Fingerprints []string `json:"fingerprints"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Sandbox    executor.Stats `json:"sandbox"`
	Languages  []string       `json:"languages"`
	Algorithms []string       `json:"algorithms"`
}
