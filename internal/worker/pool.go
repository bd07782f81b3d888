// Package worker runs the fixed pool of serial connection workers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/sink"
)

// ErrStopped is returned by Dispatch after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Handler processes one client connection. The worker closes conn after
// Handle returns.
type Handler interface {
	Handle(ctx context.Context, seq int, conn net.Conn, logs *sink.Pair)
}

// Stats is a point-in-time view of one worker.
type Stats struct {
	Index   int   `json:"index"`
	Queued  int   `json:"queued"`
	Handled int64 `json:"handled"`
	Busy    bool  `json:"busy"`
}

// Pool is a fixed set of workers fed in strict round-robin order.
type Pool struct {
	workers []*Worker
	next    atomic.Uint64
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates one worker per sink pair. The metrics parameter is
// optional; pass nil to disable queue metrics.
func NewPool(h Handler, sinks []*sink.Pair, logger *slog.Logger, m *metrics.Metrics) *Pool {
	logger = logger.With("component", "worker_pool")
	p := &Pool{
		workers: make([]*Worker, len(sinks)),
		logger:  logger,
		cancel:  func() {},
	}
	for i, s := range sinks {
		p.workers[i] = newWorker(i, h, s, logger, m)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches every worker. Handlers receive a context derived from
// ctx that is canceled by Stop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
	p.logger.Info("workers started", "count", len(p.workers))
}

// Dispatch assigns conn to the next worker in round-robin order,
// regardless of queue depth, and returns that worker's index.
func (p *Pool) Dispatch(conn net.Conn) (int, error) {
	i := int((p.next.Add(1) - 1) % uint64(len(p.workers)))
	if !p.workers[i].Enqueue(conn) {
		return i, ErrStopped
	}
	return i, nil
}

// Stop makes every worker exit after its current job, closes queued
// connections that never started, and waits for the workers or ctx.
func (p *Pool) Stop(ctx context.Context) error {
	for _, w := range p.workers {
		w.stop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		// Abort in-flight upstream dials of stuck workers. A worker still
		// blocked on its client may write to its sinks after they are
		// closed at shutdown; sink writes ignore those errors.
		p.cancel()
		return ctx.Err()
	}
}

// Stats returns a snapshot of every worker.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.stats()
	}
	return out
}

// Worker handles its queued connections one at a time, in arrival order.
type Worker struct {
	index   int
	handler Handler
	logs    *sink.Pair
	logger  *slog.Logger
	depth   queueGauge

	mu      sync.Mutex
	ready   *sync.Cond // signalled when queue grows or the worker stops
	queue   []net.Conn
	stopped bool
	busy    bool

	handled atomic.Int64
}

func newWorker(index int, h Handler, logs *sink.Pair, logger *slog.Logger, m *metrics.Metrics) *Worker {
	w := &Worker{
		index:   index,
		handler: h,
		logs:    logs,
		logger:  logger.With("worker", index),
		depth:   newQueueGauge(m, index),
	}
	w.ready = sync.NewCond(&w.mu)
	return w
}

// Enqueue appends conn to the worker's queue without blocking. It reports
// false, leaving conn to the caller, once the worker is stopped.
func (w *Worker) Enqueue(conn net.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.queue = append(w.queue, conn)
	w.depth.set(len(w.queue))
	w.ready.Signal()
	return true
}

// take blocks until a job is queued or the worker is stopped.
func (w *Worker) take() (net.Conn, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.stopped {
		w.ready.Wait()
	}
	if w.stopped {
		return nil, false
	}
	conn := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	w.depth.set(len(w.queue))
	w.busy = true
	return conn, true
}

func (w *Worker) run(ctx context.Context) {
	for seq := 0; ; seq++ {
		conn, ok := w.take()
		if !ok {
			w.drain()
			return
		}
		w.handler.Handle(ctx, seq, conn, w.logs)
		_ = conn.Close()

		w.handled.Add(1)
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}
}

func (w *Worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.ready.Broadcast()
	w.mu.Unlock()
}

// drain closes connections still queued at stop.
func (w *Worker) drain() {
	w.mu.Lock()
	pending := w.queue
	w.queue = nil
	w.depth.set(0)
	w.mu.Unlock()

	for _, conn := range pending {
		_ = conn.Close()
	}
	if len(pending) > 0 {
		w.logger.Info("closed queued connections at shutdown", "count", len(pending))
	}
}

func (w *Worker) stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Index:   w.index,
		Queued:  len(w.queue),
		Handled: w.handled.Load(),
		Busy:    w.busy,
	}
}

// queueGauge reports one worker's queue depth.
type queueGauge struct {
	set func(int)
}

func newQueueGauge(m *metrics.Metrics, index int) queueGauge {
	if m == nil {
		return queueGauge{set: func(int) {}}
	}
	g := m.QueueDepth.WithLabelValues(strconv.Itoa(index))
	return queueGauge{set: func(n int) { g.Set(float64(n)) }}
}
