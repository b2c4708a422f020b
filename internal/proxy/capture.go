package proxy

import (
	"bytes"
	"io"
)

// capturingReader wraps an io.Reader, mirroring up to capBytes of what
// passes through it into an in-memory buffer while letting the full
// stream flow to its real destination unconstrained. This is the capture
// contract from spec.md §4.3: bodies are captured up to a configurable
// cap, and forwarding is never truncated even when capture is.
type capturingReader struct {
	r         io.Reader
	capBytes  int64
	buf       bytes.Buffer
	total     int64
	truncated bool
}

func newCapturingReader(r io.Reader, capBytes int64) *capturingReader {
	return &capturingReader{r: r, capBytes: capBytes}
}

func (c *capturingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		captured := int64(c.buf.Len())
		if c.capBytes < 0 {
			c.buf.Write(p[:n])
		} else if captured < c.capBytes {
			remain := c.capBytes - captured
			if int64(n) <= remain {
				c.buf.Write(p[:n])
			} else {
				c.buf.Write(p[:remain])
				c.truncated = true
			}
		} else {
			c.truncated = true
		}
	}
	return n, err
}

// Bytes returns the captured prefix of the stream (up to capBytes).
func (c *capturingReader) Bytes() []byte {
	return c.buf.Bytes()
}

// Size returns the total number of bytes that passed through the reader,
// which may exceed len(Bytes()) when Truncated is true.
func (c *capturingReader) Size() int64 {
	return c.total
}

// Truncated reports whether the stream exceeded capBytes.
func (c *capturingReader) Truncated() bool {
	return c.truncated
}
