package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/handler"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/middleware"
	"forward-proxy-go/internal/server"
	"forward-proxy-go/internal/service"
	"forward-proxy-go/internal/sink"
	"forward-proxy-go/internal/worker"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("forward-proxy"),
		kong.Description("Forward HTTP proxy with a fixed pool of serial workers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newSinks,
			client.NewUpstreamDialer,
			service.NewProxyService,
			newPool,
			func(p *worker.Pool) handler.PoolStats { return p },
			newEcho,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startProxy, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newSinks opens one traffic log pair per worker and closes them on stop.
func newSinks(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) ([]*sink.Pair, error) {
	pairs, err := sink.OpenAll(cfg.Traffic, cfg.Server.Workers)
	if err != nil {
		return nil, err
	}
	if cfg.Traffic.Disabled {
		logger.Info("traffic logging disabled")
	} else {
		logger.Info("traffic logging enabled", "dir", cfg.Traffic.Dir, "workers", len(pairs))
	}

	// Registered before startProxy, so fx closes the sinks after the pool
	// has stopped.
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return sink.CloseAll(pairs)
		},
	})
	return pairs, nil
}

func newPool(svc *service.ProxyService, sinks []*sink.Pair, logger *slog.Logger, m *metrics.Metrics) *worker.Pool {
	return worker.NewPool(svc, sinks, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, handler.Routes(cfg)...))
	}

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Admin.RateLimit.RequestsPerSecond))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startProxy binds the proxy listener, starts the workers and runs the
// accept loop until shutdown.
func startProxy(lc fx.Lifecycle, pool *worker.Pool, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	var (
		acceptor *server.Acceptor
		cancel   context.CancelFunc
		served   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := server.Listen(addr, cfg.Server.Backlog)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}

			// Workers outlive the start hook's context.
			pool.Start(context.Background())

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			acceptor = server.NewAcceptor(ln, pool, cfg, logger, m)
			served = make(chan struct{})

			logger.Info("starting proxy",
				"addr", ln.Addr().String(),
				"workers", pool.Size(),
				"backlog", cfg.Server.Backlog,
			)
			go func() {
				defer close(served)
				if err := acceptor.Serve(ctx); err != nil {
					logger.Error("accept loop error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			cancel()
			_ = acceptor.Close()
			<-served
			return pool.Stop(ctx)
		},
	})
}

// startAdmin serves health, status and metrics on a separate listener
// when enabled.
func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		logger.Debug("admin server disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
