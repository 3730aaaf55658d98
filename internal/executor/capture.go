package executor

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"
)

// CaptureBuffer is an io.Writer that keeps at most limit bytes and silently
// discards the rest. Writes always report success so the producer keeps
// draining its pipe instead of blocking or dying on EPIPE.
//
// Memory use is bounded by limit regardless of how much the sandboxed code
// prints.
type CaptureBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

// NewCaptureBuffer returns a buffer capped at limit bytes.
func NewCaptureBuffer(limit int64) *CaptureBuffer {
	return &CaptureBuffer{limit: limit}
}

func (c *CaptureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.limit - int64(c.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// Truncated reports whether any bytes were dropped.
func (c *CaptureBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// String returns the captured text. A multi-byte rune split by the cap is
// replaced so the result is always valid UTF-8.
func (c *CaptureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buf.Bytes()
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// Len returns the number of bytes retained.
func (c *CaptureBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}
