package wire

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"forward-proxy-go/internal/model"
)

// FixedLengthStream delivers exactly n bytes of the underlying reader and
// then reports io.EOF.
type FixedLengthStream struct {
	r         io.Reader
	total     int64
	remaining int64
}

// NewFixedLengthStream returns a stream of the next n bytes of r.
func NewFixedLengthStream(r io.Reader, n int64) *FixedLengthStream {
	return &FixedLengthStream{r: r, total: n, remaining: n}
}

// Read implements io.Reader. It fails with a TruncatedBody error when r
// ends before n bytes were delivered.
func (s *FixedLengthStream) Read(p []byte) (int, error) {
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if s.remaining > 0 {
			return n, model.NewError(model.KindTruncatedBody, "read fixed-length body",
				fmt.Sprintf("got %d of %d bytes", s.total-s.remaining, s.total), io.ErrUnexpectedEOF)
		}
		return n, nil
	default:
		return n, model.Classify("read fixed-length body", err)
	}
}

// ChunkedStream decodes chunked transfer coding into the flat payload.
// Chunk extensions and trailer lines are consumed and discarded.
type ChunkedStream struct {
	r         *LineReader
	remaining int64
	inChunk   bool
	err       error
}

// NewChunkedStream returns a decoder reading from r.
func NewChunkedStream(r *LineReader) *ChunkedStream {
	return &ChunkedStream{r: r}
}

// Read implements io.Reader.
func (s *ChunkedStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for s.remaining == 0 {
		if s.inChunk {
			if err := s.readDataTerminator(); err != nil {
				return 0, s.fail(err)
			}
			s.inChunk = false
		}

		size, err := s.readSize()
		if err != nil {
			return 0, s.fail(err)
		}
		if size == 0 {
			if err := s.readTrailers(); err != nil {
				return 0, s.fail(err)
			}
			return 0, s.fail(io.EOF)
		}
		s.remaining = size
		s.inChunk = true
	}

	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if s.remaining > 0 {
			return n, s.fail(model.NewError(model.KindTruncatedBody, "read chunk data",
				fmt.Sprintf("%d bytes missing from chunk", s.remaining), io.ErrUnexpectedEOF))
		}
		return n, nil
	default:
		return n, s.fail(model.Classify("read chunk data", err))
	}
}

func (s *ChunkedStream) fail(err error) error {
	s.err = err
	return err
}

func (s *ChunkedStream) readSize() (int64, error) {
	line, err := s.r.ReadLine()
	if err != nil {
		return 0, fmt.Errorf("read chunk size: %w", err)
	}

	field := strings.TrimSpace(line)
	if i := strings.IndexByte(field, ';'); i >= 0 {
		field = strings.TrimSpace(field[:i])
	}
	size, err := strconv.ParseUint(field, 16, 63)
	if err != nil {
		return 0, model.NewError(model.KindProtocolViolation, "read chunk size",
			fmt.Sprintf("invalid chunk size line %q", line), err)
	}
	return int64(size), nil
}

func (s *ChunkedStream) readDataTerminator() error {
	line, err := s.r.ReadLine()
	if err != nil {
		return fmt.Errorf("read chunk terminator: %w", err)
	}
	if line != "" {
		return model.NewError(model.KindProtocolViolation, "read chunk terminator",
			fmt.Sprintf("expected CRLF after chunk data, got %q", line), nil)
	}
	return nil
}

func (s *ChunkedStream) readTrailers() error {
	if _, err := readLines(s.r, "read trailers"); err != nil {
		return err
	}
	return nil
}

// NewBodyStream returns the decoder matching b's framing: chunked takes
// precedence over a content length. It returns nil when b declares no body.
func NewBodyStream(r *LineReader, b *model.HeaderBlock) io.Reader {
	switch {
	case b.Chunked:
		return NewChunkedStream(r)
	case b.ContentLength >= 0:
		return NewFixedLengthStream(r, b.ContentLength)
	default:
		return nil
	}
}
