package resource

import (
	"context"
	"io"
)

// ioChunk bounds a single limiter acquisition so a large buffer never
// exceeds the limiter burst.
const ioChunk = 64 * 1024

// RateLimitedWriter wraps an io.Writer with the controller's snapshot IO
// limit. Large writes are throttled in chunks.
type RateLimitedWriter struct {
	w   io.Writer
	rc  *Controller
	ctx context.Context
}

// NewRateLimitedWriter creates a new RateLimitedWriter.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, rc *Controller) *RateLimitedWriter {
	return &RateLimitedWriter{
		w:   w,
		rc:  rc,
		ctx: ctx,
	}
}

func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	var n int
	for len(p) > 0 {
		chunk := len(p)
		if chunk > ioChunk {
			chunk = ioChunk
		}
		if err := w.rc.AcquireIO(w.ctx, chunk); err != nil {
			return n, err
		}
		m, err := w.w.Write(p[:chunk])
		n += m
		if err != nil {
			return n, err
		}
		p = p[chunk:]
	}
	return n, nil
}

// RateLimitedReader wraps an io.Reader with the controller's snapshot IO
// limit. The limit is charged for the buffer size, the upper bound of what
// the read may return.
type RateLimitedReader struct {
	r   io.Reader
	rc  *Controller
	ctx context.Context
}

// NewRateLimitedReader creates a new RateLimitedReader.
func NewRateLimitedReader(ctx context.Context, r io.Reader, rc *Controller) *RateLimitedReader {
	return &RateLimitedReader{
		r:   r,
		rc:  rc,
		ctx: ctx,
	}
}

func (r *RateLimitedReader) Read(p []byte) (int, error) {
	buf := p
	if len(buf) > ioChunk {
		buf = buf[:ioChunk]
	}
	if err := r.rc.AcquireIO(r.ctx, len(buf)); err != nil {
		return 0, err
	}
	return r.r.Read(buf)
}
