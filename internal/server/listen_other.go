//go:build !unix

package server

import (
	"fmt"
	"net"
)

// Listen opens a TCP listener on addr. The backlog is left to the
// platform default here.
func Listen(addr string, _ int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
