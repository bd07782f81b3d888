// Package client opens the per-request upstream connections.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/model"
)

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// UpstreamDialer opens a fresh TCP connection to the origin server for
// every request. Connections are never pooled or reused.
type UpstreamDialer struct {
	dialer  ContextDialer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamDialer creates an UpstreamDialer with the configured connect
// timeout. The metrics parameter is optional; pass nil to disable dial
// metrics recording.
func NewUpstreamDialer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamDialer {
	return New(&net.Dialer{Timeout: cfg.Upstream.DialTimeout()}, logger, m)
}

// New creates an UpstreamDialer around d.
func New(d ContextDialer, logger *slog.Logger, m *metrics.Metrics) *UpstreamDialer {
	return &UpstreamDialer{
		dialer:  d,
		logger:  logger.With("component", "upstream_dialer"),
		metrics: m,
	}
}

// Dial connects to addr (host:port). Failures are UpstreamConnectFailure errors.
func (c *UpstreamDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	c.logger.Debug("dialing upstream", "addr", addr)

	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	duration := time.Since(start).Seconds()

	result := "ok"
	if err != nil {
		result = "error"
	}
	if c.metrics != nil {
		c.metrics.UpstreamDialDuration.Observe(duration)
		c.metrics.UpstreamDials.WithLabelValues(result).Inc()
	}

	if err != nil {
		return nil, model.NewError(model.KindUpstreamConnect, "dial upstream",
			fmt.Sprintf("connect to %s", addr), err)
	}
	return conn, nil
}
