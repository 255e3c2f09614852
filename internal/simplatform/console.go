package simplatform

import (
	"bytes"
	"sync"
)

// Console is an in-memory console.Device: every write is appended to an
// internal buffer a test can inspect afterwards, the same role the
// teacher's captured-output test terminal plays for its own command tests.
type Console struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	ansi bool
}

// NewConsole returns a Console. ansi controls its ANSICapable() answer,
// letting a fixture exercise both the styled and stripped console.Sink
// paths.
func NewConsole(ansi bool) *Console {
	return &Console{ansi: ansi}
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// ANSICapable implements console.ANSICapable.
func (c *Console) ANSICapable() bool { return c.ansi }

// String returns everything written so far.
func (c *Console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
