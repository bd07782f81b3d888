package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a per-connection failure.
type Kind int

// Failure kinds handled at the connection boundary.
const (
	KindUnknown Kind = iota
	KindMalformedRequest
	KindConnectionClosed
	KindTruncatedBody
	KindProtocolViolation
	KindUpstreamConnect
	KindIO
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindMalformedRequest:  "MalformedRequest",
	KindConnectionClosed:  "ConnectionClosed",
	KindTruncatedBody:     "TruncatedBody",
	KindProtocolViolation: "ProtocolViolation",
	KindUpstreamConnect:   "UpstreamConnectFailure",
	KindIO:                "IOError",
}

// String returns the kind name used in logs and diagnostics.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Label returns a bounded, lower-case metric label for the kind.
func (k Kind) Label() string {
	switch k {
	case KindMalformedRequest:
		return "malformed_request"
	case KindConnectionClosed:
		return "connection_closed"
	case KindTruncatedBody:
		return "truncated_body"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindUpstreamConnect:
		return "upstream_connect"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. A *ProxyError matches the sentinel of its kind.
var (
	ErrMalformedRequest  = errors.New("malformed request")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrTruncatedBody     = errors.New("truncated body")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUpstreamConnect   = errors.New("upstream connect failure")
	ErrIO                = errors.New("i/o error")
)

var kindSentinels = map[Kind]error{
	KindMalformedRequest:  ErrMalformedRequest,
	KindConnectionClosed:  ErrConnectionClosed,
	KindTruncatedBody:     ErrTruncatedBody,
	KindProtocolViolation: ErrProtocolViolation,
	KindUpstreamConnect:   ErrUpstreamConnect,
	KindIO:                ErrIO,
}

// ProxyError is a classified failure raised while handling one connection.
type ProxyError struct {
	Kind    Kind   // Failure classification
	Op      string // Operation that failed
	Message string // Human-readable message
	Cause   error  // Underlying error
}

// NewError creates a ProxyError.
func NewError(kind Kind, op, message string, cause error) *ProxyError {
	return &ProxyError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's kind.
func (e *ProxyError) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// KindOf returns the kind of the outermost ProxyError in err's chain,
// or KindUnknown when there is none.
func KindOf(err error) Kind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Classify returns err unchanged when it already carries a kind and
// otherwise wraps it as an IOError for op.
func Classify(op string, err error) error {
	if err == nil || KindOf(err) != KindUnknown {
		return err
	}
	return NewError(KindIO, op, "", err)
}

// Diagnose renders the full diagnostic trace of err: its kind, the
// top-level message and every error in the unwrap chain.
func Diagnose(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", KindOf(err), err.Error())
	depth := 0
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		depth++
		fmt.Fprintf(&b, "%scaused by (%T): %s\n", strings.Repeat("  ", depth), cause, cause.Error())
	}
	return b.String()
}
