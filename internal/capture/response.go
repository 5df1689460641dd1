package capture

import (
	"bufio"
	"net"
	"net/http"
)

// ResponseWriter wraps an http.ResponseWriter, routing the body through a
// Stream and remembering the status code.
// It implements http.Flusher and http.Hijacker by delegating to the
// underlying ResponseWriter when it supports them.
type ResponseWriter struct {
	http.ResponseWriter
	stream      *Stream
	status      int
	wroteHeader bool
}

// NewResponseWriter wraps w, capturing at most limit body bytes.
func NewResponseWriter(w http.ResponseWriter, limit int64) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		stream:         NewStream(w, limit),
		status:         http.StatusOK,
	}
}

func (w *ResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.stream.Write(b)
}

// Status returns the first status code written, 200 when none was.
func (w *ResponseWriter) Status() int {
	return w.status
}

// ContentLength returns the number of body bytes sent to the client.
func (w *ResponseWriter) ContentLength() int64 {
	return w.stream.BytesWritten()
}

// Body returns the captured body prefix.
func (w *ResponseWriter) Body() []byte {
	return w.stream.Captured()
}

// Dispose releases the captured body.
func (w *ResponseWriter) Dispose() {
	w.stream.buf.Release()
}

// Flush implements http.Flusher.
// This is required for streamed map tiles and SSE to reach the client.
func (w *ResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker.
func (w *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
