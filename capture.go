package varycache

import (
	"bufio"
	"io"
	"net"
	"net/http"
)

// captureSegmentSize is the size of one buffer segment.
const captureSegmentSize = 4 * 1024

// captureStream tees writes into a segmented in-memory buffer while
// passing them through to the downstream writer. Bytes always reach the
// downstream writer first; a downstream error stops buffering and is
// returned unchanged. Once the buffered size would exceed the configured
// limit, buffering is silently disabled and writes are forwarded only.
type captureStream struct {
	dst      io.Writer
	limit    int64
	segments [][]byte
	current  []byte
	length   int64
	enabled  bool
}

func newCaptureStream(dst io.Writer, limit int64) *captureStream {
	return &captureStream{dst: dst, limit: limit, enabled: true}
}

func (c *captureStream) Write(p []byte) (int, error) {
	n, err := c.dst.Write(p)
	if err != nil {
		c.disableBuffering()
		return n, err
	}
	if c.enabled {
		if c.length+int64(n) > c.limit {
			c.disableBuffering()
		} else {
			c.buffer(p[:n])
		}
	}
	return n, err
}

// buffer appends p to the segment list, filling the current segment first.
func (c *captureStream) buffer(p []byte) {
	for len(p) > 0 {
		if c.current == nil {
			c.current = make([]byte, 0, captureSegmentSize)
		}
		room := cap(c.current) - len(c.current)
		n := len(p)
		if n > room {
			n = room
		}
		c.current = append(c.current, p[:n]...)
		c.length += int64(n)
		p = p[n:]
		if len(c.current) == cap(c.current) {
			c.segments = append(c.segments, c.current)
			c.current = nil
		}
	}
}

// disableBuffering abandons anything buffered so far. Writes keep flowing
// through to the downstream writer.
func (c *captureStream) disableBuffering() {
	c.enabled = false
	c.segments = nil
	c.current = nil
	c.length = 0
}

func (c *captureStream) bufferingEnabled() bool { return c.enabled }

func (c *captureStream) bufferedLength() int64 { return c.length }

// body returns the buffered bytes as a segmented body.
func (c *captureStream) body() *segmentedBody {
	segments := c.segments
	if len(c.current) > 0 {
		segments = append(segments, c.current)
	}
	return &segmentedBody{Segments: segments, Length: c.length}
}

// cacheWriter wraps the downstream http.ResponseWriter on the forward
// path. It finalizes the cache headers the moment the response starts, so
// cacheability is decided on the full header set before the first body
// byte leaves the process, and it mirrors body bytes into the capture
// stream.
type cacheWriter struct {
	rw      http.ResponseWriter
	mw      *Middleware
	reqCtx  *requestContext
	capture *captureStream
	status  int
	started bool
}

func newCacheWriter(rw http.ResponseWriter, mw *Middleware, reqCtx *requestContext) *cacheWriter {
	if reqCtx.capture != nil {
		panic("varycache: capture stream installed twice for the same request")
	}
	cw := &cacheWriter{
		rw:      rw,
		mw:      mw,
		reqCtx:  reqCtx,
		capture: newCaptureStream(rw, mw.maximumBodySize),
		status:  http.StatusOK,
	}
	reqCtx.capture = cw.capture
	return cw
}

func (w *cacheWriter) Header() http.Header {
	return w.rw.Header()
}

func (w *cacheWriter) WriteHeader(status int) {
	if w.started {
		return
	}
	w.started = true
	w.status = status
	w.mw.finalizeHeaders(w.reqCtx, status, w.rw.Header())
	w.rw.WriteHeader(status)
}

func (w *cacheWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.WriteHeader(http.StatusOK)
	}
	return w.capture.Write(p)
}

// Flush starts the response if it has not started yet, then passes
// through to the downstream writer when it supports flushing. Flushing
// commits the headers to the wire, so finalization must happen first.
func (w *cacheWriter) Flush() {
	if !w.started {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the downstream writer so connection upgrades keep
// working behind the middleware. A hijacked response is never cached.
func (w *cacheWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.rw.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.capture.disableBuffering()
	return h.Hijack()
}
