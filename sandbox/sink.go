package sandbox

import (
	"bytes"
	"sync"
)

// boundedBuffer keeps at most limit bytes and drops the rest.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

// Write always reports the full length so writers upstream keep draining.
func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Collector is an EmitFunc target that keeps combined output up to a limit.
// It backs the buffered delivery mode.
type Collector struct {
	buf *boundedBuffer
}

// NewCollector returns a collector holding at most limit bytes.
func NewCollector(limit int) *Collector {
	return &Collector{buf: newBoundedBuffer(limit)}
}

// Emit appends the chunk to the collected output.
func (c *Collector) Emit(chunk OutputChunk) error {
	_, err := c.buf.Write(chunk.Data)
	return err
}

// Output returns the collected bytes.
func (c *Collector) Output() []byte { return c.buf.Bytes() }

// Truncated reports whether output beyond the limit was dropped.
func (c *Collector) Truncated() bool { return c.buf.Truncated() }
