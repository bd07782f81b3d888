// Package wire implements the HTTP/1.x message framing used by the proxy:
// a line-and-raw buffered reader, header block parsing and rewriting, and
// the fixed-length and chunked body streams.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"forward-proxy-go/internal/model"
)

// Default caps on message heads. Zero in Limits means unbounded.
const (
	DefaultMaxLineBytes   = 64 << 10
	DefaultMaxHeaderBytes = 1 << 20
)

const readBufferSize = 16 << 10

// Limits bounds how much of a message head is buffered.
type Limits struct {
	MaxLineBytes   int
	MaxHeaderBytes int
}

// DefaultLimits returns the default head caps.
func DefaultLimits() Limits {
	return Limits{MaxLineBytes: DefaultMaxLineBytes, MaxHeaderBytes: DefaultMaxHeaderBytes}
}

// LineReader reads CRLF/LF-terminated lines and raw bytes from the same
// stream. Raw reads drain bytes already buffered by earlier line reads
// before touching the underlying stream, so a head and the body following
// it can be consumed without losing or duplicating bytes.
type LineReader struct {
	br     *bufio.Reader
	limits Limits
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader, limits Limits) *LineReader {
	return &LineReader{br: bufio.NewReaderSize(r, readBufferSize), limits: limits}
}

// Limits returns the caps this reader enforces.
func (r *LineReader) Limits() Limits {
	return r.limits
}

// ReadLine returns the next line without its CRLF or LF terminator. It
// fails with a ConnectionClosed error when the stream ends before a
// terminator and with a ProtocolViolation when the line exceeds
// MaxLineBytes.
func (r *LineReader) ReadLine() (string, error) {
	var line []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		line = append(line, frag...)
		if limit := r.limits.MaxLineBytes; limit > 0 && len(line) > limit+2 {
			return "", model.NewError(model.KindProtocolViolation, "read line",
				fmt.Sprintf("line exceeds %d bytes", limit), nil)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", model.NewError(model.KindConnectionClosed, "read line",
				fmt.Sprintf("stream ended after %d bytes without a line terminator", len(line)), io.ErrUnexpectedEOF)
		}
		return "", model.NewError(model.KindIO, "read line", "", err)
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// Read reads up to len(p) raw bytes, buffered bytes first. It returns
// io.EOF at end of stream.
func (r *LineReader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, model.NewError(model.KindIO, "read", "", err)
	}
	return n, err
}

// Buffered returns the number of bytes read from the stream but not yet consumed.
func (r *LineReader) Buffered() int {
	return r.br.Buffered()
}
