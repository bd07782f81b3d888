package wire

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"forward-proxy-go/internal/model"
)

// Lines of the synthesized error response head, before Content-Length.
var errorResponseHead = []string{
	"HTTP/1.1 400 Bad Request",
	model.ConnectionClose,
	model.ProxyConnectionClose,
	"Content-Type: text/plain; charset=UTF-8",
}

// WriteErrorResponse writes a 400 Bad Request carrying diagnostic as its
// UTF-8 text body.
func WriteErrorResponse(w io.Writer, diagnostic string) error {
	var buf bytes.Buffer
	for _, line := range errorResponseHead {
		buf.WriteString(line)
		buf.Write(crlf)
	}
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(diagnostic)))
	buf.Write(crlf)
	buf.Write(crlf)
	buf.WriteString(diagnostic)
	_, err := w.Write(buf.Bytes())
	return err
}

// StatusCode returns the numeric status of a response start line, or 0.
func StatusCode(b *model.HeaderBlock) int {
	fields := strings.Fields(b.StartLine())
	if len(fields) < 2 || len(fields[1]) != 3 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// IsInterim reports whether b is an informational 1xx head that precedes
// the final response. 101 Switching Protocols ends the exchange instead.
func IsInterim(b *model.HeaderBlock) bool {
	code := StatusCode(b)
	return code >= 100 && code < 200 && code != 101
}

// ResponseHasBody reports whether a response to method with head b can
// carry a body at all. HEAD responses and 1xx, 204 and 304 never do,
// whatever their framing headers say.
func ResponseHasBody(method string, b *model.HeaderBlock) bool {
	if method == "HEAD" {
		return false
	}
	code := StatusCode(b)
	switch {
	case code >= 100 && code < 200, code == 204, code == 304:
		return false
	}
	return true
}
