// Package service implements the per-connection forwarding logic.
package service

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/model"
	"forward-proxy-go/internal/sink"
	"forward-proxy-go/internal/wire"
)

const copyBufferSize = 32 << 10

var copyBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

var crlf = []byte("\r\n")

// ProxyService relays one request/response exchange per client connection.
// It satisfies worker.Handler.
type ProxyService struct {
	upstream *client.UpstreamDialer
	limits   wire.Limits
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is
// optional; pass nil to disable connection metrics.
func NewProxyService(u *client.UpstreamDialer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		upstream: u,
		limits: wire.Limits{
			MaxLineBytes:   cfg.Limits.MaxLineBytes,
			MaxHeaderBytes: cfg.Limits.MaxHeaderBytes,
		},
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Handle proxies a single request on conn. Every failure is logged to
// logs.Client and, when nothing has reached the client yet, answered with
// a 400 carrying the diagnostic. The caller closes conn.
func (s *ProxyService) Handle(ctx context.Context, seq int, conn net.Conn, logs *sink.Pair) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.ConnectionsInFlight.Inc()
		defer s.metrics.ConnectionsInFlight.Dec()
	}

	out := &trackingWriter{w: conn}
	outcome := "ok"
	if err := s.proxy(ctx, seq, conn, out, logs); err != nil {
		outcome = model.KindOf(err).Label()
		s.fail(seq, err, out, logs)
	}

	if s.metrics != nil {
		s.metrics.ConnectionsHandled.WithLabelValues(outcome).Inc()
		s.metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *ProxyService) proxy(ctx context.Context, seq int, conn net.Conn, out *trackingWriter, logs *sink.Pair) error {
	in := wire.NewLineReader(conn, s.limits)
	req, err := wire.ReadRequest(in)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ProxiedRequests.WithLabelValues(metrics.NormalizeMethod(req.Method)).Inc()
	}

	addr := req.UpstreamAddr()
	s.logger.Debug("proxying request",
		"seq", seq,
		"method", req.Method,
		"target", req.Target.Redacted(),
		"upstream", addr,
	)

	upstream, err := s.upstream.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer func() { _ = upstream.Close() }()
	// Unblock reads and writes on the upstream side at shutdown.
	stop := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stop()

	if err := s.forwardRequest(seq, req, in, upstream, logs.Client); err != nil {
		return err
	}
	return s.forwardResponse(seq, req, upstream, out, logs.Server)
}

// forwardRequest sends the rewritten request head and the request body.
func (s *ProxyService) forwardRequest(seq int, req *model.Request, in *wire.LineReader, upstream net.Conn, log io.Writer) error {
	head := wire.BuildOutgoing(req.Lines, model.ConnectionClose)
	if err := wire.WriteHeaderBlock(upstream, head); err != nil {
		return model.Classify("write request head", err)
	}
	sink.WriteHead(log, seq, req.Lines)

	body := wire.NewBodyStream(in, &req.HeaderBlock)
	if body == nil {
		return nil
	}
	n, err := copyBody(upstream, body, log, req.Chunked)
	s.countBytes(metrics.DirectionUpstream, n)
	if err != nil {
		return model.Classify("forward request body", err)
	}
	return nil
}

// forwardResponse reads the upstream head, relays it with the client-side
// rewrite, then relays the body framed by the response's own headers.
// Interim 1xx heads are relayed as they arrive and the final head is read
// from the same stream.
func (s *ProxyService) forwardResponse(seq int, req *model.Request, upstream net.Conn, out io.Writer, log io.Writer) error {
	in := wire.NewLineReader(upstream, s.limits)
	var resp *model.HeaderBlock
	for interim := 0; ; interim++ {
		var err error
		resp, err = wire.ReadResponse(in)
		if err != nil {
			return err
		}

		head := wire.BuildOutgoing(resp.Lines, model.ProxyConnectionClose)
		if err := wire.WriteHeaderBlock(out, head); err != nil {
			return model.Classify("write response head", err)
		}
		if interim == 0 {
			sink.WriteHead(log, seq, resp.Lines)
		} else {
			sink.WriteLines(log, resp.Lines)
		}

		if !wire.IsInterim(resp) {
			break
		}
	}

	if !wire.ResponseHasBody(req.Method, resp) {
		return nil
	}

	var body io.Reader = in
	if resp.HasBody() {
		body = wire.NewBodyStream(in, resp)
	}
	n, err := copyBody(out, body, log, resp.Chunked)
	s.countBytes(metrics.DirectionDownstream, n)
	if err != nil {
		return model.Classify("forward response body", err)
	}
	return nil
}

func (s *ProxyService) countBytes(direction string, n int64) {
	if s.metrics != nil && n > 0 {
		s.metrics.BytesForwarded.WithLabelValues(direction).Add(float64(n))
	}
}

// fail records err against connection seq and answers the client if no
// response bytes were sent yet. Write errors are dropped.
func (s *ProxyService) fail(seq int, err error, out *trackingWriter, logs *sink.Pair) {
	kind := model.KindOf(err)
	diagnostic := model.Diagnose(err)

	s.logger.Warn("connection failed",
		"seq", seq,
		"kind", kind.String(),
		"error", err,
		"response_started", out.n > 0,
	)
	sink.WriteFailure(logs.Client, seq, diagnostic)

	if out.n > 0 {
		return
	}
	if werr := wire.WriteErrorResponse(out, diagnostic); werr != nil {
		s.logger.Debug("error response not delivered", "seq", seq, "error", werr)
	}
}

// copyBody copies decoded body bytes from body to dst and to log. With
// chunked set the bytes are chunk-encoded again on dst, since the
// Transfer-Encoding header is relayed unchanged.
func copyBody(dst io.Writer, body io.Reader, log io.Writer, chunked bool) (int64, error) {
	buf := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(buf)

	if !chunked {
		return io.CopyBuffer(io.MultiWriter(dst, sink.BestEffort(log)), body, *buf)
	}

	cw := httputil.NewChunkedWriter(dst)
	n, err := io.CopyBuffer(io.MultiWriter(cw, sink.BestEffort(log)), body, *buf)
	if err != nil {
		return n, err
	}
	// Last chunk, then the empty trailer section.
	if err := cw.Close(); err != nil {
		return n, err
	}
	if _, err := dst.Write(crlf); err != nil {
		return n, err
	}
	return n, nil
}

// trackingWriter counts the bytes written to the client.
type trackingWriter struct {
	w io.Writer
	n int64
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.n += int64(n)
	return n, err
}
