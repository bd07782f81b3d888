// Package server accepts client connections and hands them to the worker pool.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/worker"
)

const maxAcceptDelay = time.Second

// Dispatcher assigns accepted connections to workers.
type Dispatcher interface {
	Dispatch(conn net.Conn) (int, error)
}

// Acceptor is the single accept loop in front of the worker pool.
type Acceptor struct {
	ln      net.Listener
	pool    Dispatcher
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAcceptor creates an Acceptor for ln. When the accept limit is
// enabled, new connections are taken off the listen queue no faster than
// the configured rate. The metrics parameter is optional.
func NewAcceptor(ln net.Listener, pool Dispatcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Acceptor {
	a := &Acceptor{
		ln:      ln,
		pool:    pool,
		logger:  logger.With("component", "acceptor"),
		metrics: m,
	}
	if limit := cfg.Server.AcceptLimit; limit.Enabled {
		a.limiter = rate.NewLimiter(rate.Limit(limit.ConnectionsPerSecond), limit.Burst)
	}
	return a
}

// Addr returns the listener's address.
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Serve accepts connections until the listener is closed or ctx is done.
// It returns nil on a clean shutdown.
func (a *Acceptor) Serve(ctx context.Context) error {
	var delay time.Duration
	for {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			// Out of descriptors and similar: back off and retry.
			delay = nextDelay(delay)
			a.logger.Warn("accept failed; retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		if a.metrics != nil {
			a.metrics.ConnectionsAccepted.Inc()
		}

		idx, err := a.pool.Dispatch(conn)
		if errors.Is(err, worker.ErrStopped) {
			_ = conn.Close()
			return nil
		}
		a.logger.Debug("accepted connection", "remote", conn.RemoteAddr().String(), "worker", idx)
	}
}

// Close closes the listener, ending Serve.
func (a *Acceptor) Close() error {
	return a.ln.Close()
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxAcceptDelay)
}
