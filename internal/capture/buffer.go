// Package capture mirrors request and response bodies into size-capped
// buffers while the real stream always carries the full, unmodified data.
//
// A capture limit of 0 disables capture (only byte counts are tracked), a
// negative limit captures everything and a positive limit keeps at most that
// many leading bytes. None of the types here are safe for concurrent
// writers; one body is written by one goroutine.
package capture

import "bytes"

// Unbounded captures the whole body.
const Unbounded int64 = -1

// Buffer is a bounded byte accumulator.
type Buffer struct {
	limit int64
	buf   *bytes.Buffer
}

// NewBuffer creates a buffer that keeps at most limit bytes.
func NewBuffer(limit int64) *Buffer {
	b := &Buffer{limit: limit}
	if limit != 0 {
		b.buf = &bytes.Buffer{}
	}
	return b
}

// Limit returns the configured cap.
func (b *Buffer) Limit() int64 {
	return b.limit
}

// Fill copies as much of p as still fits.
func (b *Buffer) Fill(p []byte) {
	if b.buf == nil || len(p) == 0 || b.Full() {
		return
	}
	if b.limit > 0 {
		if residual := b.limit - int64(b.buf.Len()); int64(len(p)) > residual {
			p = p[:residual]
		}
	}
	b.buf.Write(p)
}

// Full reports whether no more bytes will be kept.
func (b *Buffer) Full() bool {
	if b.buf == nil {
		return true
	}
	return b.limit > 0 && int64(b.buf.Len()) >= b.limit
}

// Len returns the number of captured bytes.
func (b *Buffer) Len() int {
	if b.buf == nil {
		return 0
	}
	return b.buf.Len()
}

// Bytes returns a copy of the captured bytes, empty when capture is
// disabled.
func (b *Buffer) Bytes() []byte {
	if b.buf == nil {
		return []byte{}
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Release drops the captured bytes.
func (b *Buffer) Release() {
	b.buf = nil
}
