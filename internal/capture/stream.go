package capture

import (
	"errors"
	"io"
	"net/http"
)

// ErrDisposed is returned by writes after Dispose.
var ErrDisposed = errors.New("capture stream disposed")

// Stream tees writes into a bounded Buffer before forwarding them to the
// delegate writer.
type Stream struct {
	w   io.Writer
	buf *Buffer
	n   int64
}

// NewStream wraps w, capturing at most limit bytes.
func NewStream(w io.Writer, limit int64) *Stream {
	return &Stream{w: w, buf: NewBuffer(limit)}
}

// Write captures what fits and forwards all of p. BytesWritten grows by the
// number of bytes the delegate accepted.
func (s *Stream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, ErrDisposed
	}
	s.buf.Fill(p)
	n, err := s.w.Write(p)
	s.n += int64(n)
	return n, err
}

// WriteByte writes a single byte.
func (s *Stream) WriteByte(c byte) error {
	_, err := s.Write([]byte{c})
	return err
}

// WriteString writes str.
func (s *Stream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// WriteRange writes p[off:off+n].
func (s *Stream) WriteRange(p []byte, off, n int) (int, error) {
	if off < 0 || n < 0 || off+n > len(p) {
		return 0, io.ErrShortBuffer
	}
	return s.Write(p[off : off+n])
}

// BytesWritten returns the total forwarded to the delegate, independent of
// the capture limit.
func (s *Stream) BytesWritten() int64 {
	return s.n
}

// Captured returns a copy of the captured prefix.
func (s *Stream) Captured() []byte {
	return s.buf.Bytes()
}

// Flush flushes the delegate when it supports flushing.
func (s *Stream) Flush() error {
	switch f := s.w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case http.Flusher:
		f.Flush()
	}
	return nil
}

// Close closes the delegate when it is an io.Closer.
func (s *Stream) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Dispose releases the buffer and the delegate. The byte count survives.
func (s *Stream) Dispose() {
	s.buf.Release()
	s.w = nil
}

// Reader captures a body as it is consumed by the handler.
type Reader struct {
	r   io.ReadCloser
	buf *Buffer
	n   int64
}

// NewReader wraps r, capturing at most limit bytes.
func NewReader(r io.ReadCloser, limit int64) *Reader {
	return &Reader{r: r, buf: NewBuffer(limit)}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.buf.Fill(p[:n])
		r.n += int64(n)
	}
	return n, err
}

func (r *Reader) Close() error {
	return r.r.Close()
}

// BytesRead returns how many bytes the handler consumed.
func (r *Reader) BytesRead() int64 {
	return r.n
}

// Captured returns a copy of the captured prefix.
func (r *Reader) Captured() []byte {
	return r.buf.Bytes()
}
