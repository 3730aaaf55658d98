// Package transform implements the bulk byte transforms: digests, chunk
// fingerprints and block compression. Everything here is stateless.
package transform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"golang.org/x/crypto/blake2b"
)

const (
	AlgorithmBlake2b = "blake2b"
	AlgorithmXXHash  = "xxhash"
	AlgorithmSnappy  = "snappy"

	// DefaultAlgorithm is used when a request names none.
	DefaultAlgorithm = AlgorithmBlake2b
	// DefaultChunkSize is the fingerprint chunk size when none is given.
	DefaultChunkSize = 4096
)

var (
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
)

var algorithms = map[string]func([]byte) []byte{
	AlgorithmBlake2b: ComputeHeavy,
	AlgorithmXXHash:  xxhash64,
	AlgorithmSnappy:  func(data []byte) []byte { return snappy.Encode(nil, data) },
}

// ComputeHeavy is the default transform: the BLAKE2b-256 digest of data.
func ComputeHeavy(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Apply runs the named algorithm over data. An empty name selects
// DefaultAlgorithm.
func Apply(algorithm string, data []byte) ([]byte, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	fn, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	return fn(data), nil
}

// Algorithms lists the supported algorithm names.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprints returns the xxHash64 of each consecutive chunkSize slice of
// data. The last chunk may be shorter. Empty data has no fingerprints.
func Fingerprints(data []byte, chunkSize int) ([]uint64, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	out := make([]uint64, 0, (len(data)+chunkSize-1)/chunkSize)
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		out = append(out, xxhash.Sum64(data[start:end]))
	}
	return out, nil
}

// Decompress reverses the snappy transform.
func Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

func xxhash64(data []byte) []byte {
	return binary.BigEndian.AppendUint64(nil, xxhash.Sum64(data))
}
