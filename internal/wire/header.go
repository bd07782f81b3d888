package wire

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"forward-proxy-go/internal/model"
)

// Case-insensitive header prefixes the proxy inspects.
const (
	prefixContentLength    = "content-length:"
	prefixTransferEncoding = "transfer-encoding:"
	prefixConnection       = "connection:"
	prefixProxyConnection  = "proxy-connection:"
)

var crlf = []byte("\r\n")

// ReadHeaderBlock reads a head up to the empty line that ends it and
// derives its framing.
func ReadHeaderBlock(r *LineReader) (*model.HeaderBlock, error) {
	lines, err := readLines(r, "read header block")
	if err != nil {
		return nil, err
	}
	b := &model.HeaderBlock{Lines: lines}
	b.ContentLength, b.Chunked = DeriveFraming(lines)
	return b, nil
}

// ReadRequest reads a client request head and parses its request line.
func ReadRequest(r *LineReader) (*model.Request, error) {
	b, err := ReadHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	return ParseRequestLine(b)
}

// ReadResponse reads an upstream response head. An empty head is a
// ProtocolViolation.
func ReadResponse(r *LineReader) (*model.HeaderBlock, error) {
	b, err := ReadHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	if len(b.Lines) == 0 {
		return nil, model.NewError(model.KindProtocolViolation, "read response head", "empty status line", nil)
	}
	return b, nil
}

// readLines reads trimmed lines until an empty one, enforcing MaxHeaderBytes.
func readLines(r *LineReader, op string) ([]string, error) {
	var (
		lines []string
		size  int
	)
	limit := r.Limits().MaxHeaderBytes
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return lines, nil
		}
		size += len(line) + len(crlf)
		if limit > 0 && size > limit {
			return nil, model.NewError(model.KindProtocolViolation, op,
				fmt.Sprintf("header block exceeds %d bytes", limit), nil)
		}
		lines = append(lines, line)
	}
}

// DeriveFraming scans lines for Content-Length (first occurrence wins,
// -1 when absent or invalid) and a Transfer-Encoding naming chunked.
func DeriveFraming(lines []string) (contentLength int64, chunked bool) {
	contentLength = -1
	seenLength := false
	for _, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, prefixContentLength):
			if seenLength {
				continue
			}
			seenLength = true
			n, err := strconv.ParseInt(strings.TrimSpace(line[len(prefixContentLength):]), 10, 64)
			if err == nil && n >= 0 {
				contentLength = n
			}
		case strings.HasPrefix(lower, prefixTransferEncoding):
			if strings.Contains(lower, "chunked") {
				chunked = true
			}
		}
	}
	return contentLength, chunked
}

// BuildOutgoing returns lines without any Connection or Proxy-Connection
// header, followed by appendLine.
func BuildOutgoing(lines []string, appendLine string) []string {
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		if isConnectionScoped(line) {
			continue
		}
		out = append(out, line)
	}
	return append(out, appendLine)
}

func isConnectionScoped(line string) bool {
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, prefixConnection) || strings.HasPrefix(lower, prefixProxyConnection)
}

// ParseRequestLine splits the start line of b into method, target and
// version. The target must be an absolute URI.
func ParseRequestLine(b *model.HeaderBlock) (*model.Request, error) {
	start := b.StartLine()
	toks := strings.Fields(start)
	if len(toks) < 3 {
		return nil, model.NewError(model.KindMalformedRequest, "parse request line",
			fmt.Sprintf("expected METHOD URI VERSION, got %q", start), nil)
	}

	target, err := url.Parse(toks[1])
	if err != nil {
		return nil, model.NewError(model.KindMalformedRequest, "parse request line",
			fmt.Sprintf("invalid target %q", toks[1]), err)
	}
	if target.Host == "" || target.Hostname() == "" {
		return nil, model.NewError(model.KindMalformedRequest, "parse request line",
			fmt.Sprintf("target %q is not an absolute URI", toks[1]), nil)
	}

	return &model.Request{
		HeaderBlock: *b,
		Method:      toks[0],
		Target:      target,
		Version:     toks[2],
	}, nil
}

// WriteHeaderBlock writes each line followed by CRLF and then the empty
// line that ends the head, in a single write.
func WriteHeaderBlock(w io.Writer, lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.Write(crlf)
	}
	buf.Write(crlf)
	_, err := w.Write(buf.Bytes())
	return err
}
