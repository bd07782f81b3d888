// Package model defines shared types for the proxy.
package model

import (
	"net"
	"net/url"
	"strconv"
)

// Framing lines appended to outgoing header blocks.
const (
	ConnectionClose      = "Connection: close"
	ProxyConnectionClose = "Proxy-Connection: close"
)

// DefaultPort is used when the target URI carries no usable port.
const DefaultPort = 80

// HeaderBlock is one message head as received: the start line followed by
// the header lines, order and duplicates preserved.
type HeaderBlock struct {
	Lines []string

	// ContentLength is -1 when absent or invalid.
	ContentLength int64
	Chunked       bool
}

// StartLine returns the first line of the block, or "" for an empty block.
func (b *HeaderBlock) StartLine() string {
	if len(b.Lines) == 0 {
		return ""
	}
	return b.Lines[0]
}

// HasBody reports whether the block's framing declares a body.
func (b *HeaderBlock) HasBody() bool {
	return b.Chunked || b.ContentLength >= 0
}

// Request is a client request head in absolute-URI form.
type Request struct {
	HeaderBlock

	Method  string
	Target  *url.URL
	Version string
}

// UpstreamPort returns the target URI port if present and positive, else 80.
func (r *Request) UpstreamPort() int {
	if p, err := strconv.Atoi(r.Target.Port()); err == nil && p > 0 {
		return p
	}
	return DefaultPort
}

// UpstreamAddr returns the host:port the request must be forwarded to.
func (r *Request) UpstreamAddr() string {
	return net.JoinHostPort(r.Target.Hostname(), strconv.Itoa(r.UpstreamPort()))
}
