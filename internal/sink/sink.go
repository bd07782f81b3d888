// Package sink provides the per-worker traffic logs: one byte sink for the
// client-directed side of each connection and one for the server side.
package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"forward-proxy-go/internal/config"
)

var crlf = []byte("\r\n")

// Pair holds the two traffic sinks owned by one worker.
type Pair struct {
	Client io.Writer // request side: client headers, request body, failures
	Server io.Writer // response side: upstream headers, response body

	closers []io.Closer
}

// Discard returns a pair that drops everything written to it.
func Discard() *Pair {
	return &Pair{Client: io.Discard, Server: io.Discard}
}

// ClientPath and ServerPath return the log file names for worker index.
func ClientPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("proxy.%d.client.log", index))
}

func ServerPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("proxy.%d.serv.log", index))
}

// Open opens (appending) the log files for worker index in dir.
func Open(dir string, index int) (*Pair, error) {
	client, err := openAppend(ClientPath(dir, index))
	if err != nil {
		return nil, err
	}
	server, err := openAppend(ServerPath(dir, index))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Pair{Client: client, Server: server, closers: []io.Closer{client, server}}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open traffic log: %w", err)
	}
	return f, nil
}

// OpenAll returns one pair per worker: files under cfg.Dir, or discard
// sinks when traffic logging is disabled.
func OpenAll(cfg config.TrafficConfig, workers int) ([]*Pair, error) {
	pairs := make([]*Pair, 0, workers)
	for i := range workers {
		if cfg.Disabled {
			pairs = append(pairs, Discard())
			continue
		}
		p, err := Open(cfg.Dir, i)
		if err != nil {
			_ = CloseAll(pairs)
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Close closes any files behind the pair.
func (p *Pair) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	p.closers = nil
	return errors.Join(errs...)
}

// CloseAll closes every pair.
func CloseAll(pairs []*Pair) error {
	var errs []error
	for _, p := range pairs {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Separator returns the line that opens the log entry for connection seq.
func Separator(seq int) []byte {
	return fmt.Appendf(nil, "\n------------------- %8d ---------------------\n", seq)
}

// WriteHead logs the separator for seq, every original head line
// terminated by CRLF, then a blank CRLF. Write errors are ignored.
func WriteHead(w io.Writer, seq int, lines []string) {
	var buf bytes.Buffer
	buf.Write(Separator(seq))
	appendLines(&buf, lines)
	_, _ = w.Write(buf.Bytes())
}

// WriteLines logs a further head of the same connection, without a
// separator.
func WriteLines(w io.Writer, lines []string) {
	var buf bytes.Buffer
	appendLines(&buf, lines)
	_, _ = w.Write(buf.Bytes())
}

func appendLines(buf *bytes.Buffer, lines []string) {
	for _, line := range lines {
		buf.WriteString(line)
		buf.Write(crlf)
	}
	buf.Write(crlf)
}

// WriteFailure logs the separator for seq followed by diagnostic text.
func WriteFailure(w io.Writer, seq int, diagnostic string) {
	var buf bytes.Buffer
	buf.Write(Separator(seq))
	buf.WriteString(diagnostic)
	_, _ = w.Write(buf.Bytes())
}

// BestEffort wraps w so that write errors never abort the caller; traffic
// logging must not fail the connection it records.
func BestEffort(w io.Writer) io.Writer {
	return bestEffort{w}
}

type bestEffort struct{ w io.Writer }

func (b bestEffort) Write(p []byte) (int, error) {
	_, _ = b.w.Write(p)
	return len(p), nil
}
