package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/piwi3910/nebularpc/internal/transport"
)

const streamReadBufferSize = 64 << 10

// streamWire is a net.Conn behind a readiness watcher.
//
// Go exposes no readiness selector for sockets, so each connection gets a
// watcher goroutine that blocks in Peek until input is buffered, reports
// the connection to its Reader and parks until the Reader rearms it. The
// Reader then consumes only buffered bytes and never blocks on the socket.
type streamWire struct {
	conn     net.Conn
	br       *bufio.Reader
	decoder  *frameDecoder
	rearm    chan struct{}
	watchErr error
	chunk    int
	timeout  time.Duration
}

func newStreamWire(nc net.Conn, cfg *Config) *streamWire {
	return &streamWire{
		conn:    nc,
		br:      bufio.NewReaderSize(nc, streamReadBufferSize),
		decoder: newFrameDecoder(cfg.MaxRequestSize, true),
		rearm:   make(chan struct{}, 1),
		chunk:   cfg.ResponseChunkSize,
		timeout: cfg.WriteTimeout,
	}
}

// watch reports c to ready each time input is buffered. It returns after
// reporting a read error, or when done closes.
func (w *streamWire) watch(c *Connection, ready chan<- *Connection, done <-chan struct{}) {
	for {
		_, err := w.br.Peek(1)
		w.watchErr = err

		select {
		case ready <- c:
		case <-done:
			return
		}

		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-done:
			return
		}
	}
}

// resume lets the watcher wait for the next input.
func (w *streamWire) resume() {
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

func (w *streamWire) read(emit func(frame []byte, seq int) error) (int, error) {
	n := w.br.Buffered()
	if n == 0 {
		if w.watchErr != nil {
			return 0, fmt.Errorf("%w: %w", transport.ErrReadFailure, w.watchErr)
		}

		return 0, nil
	}

	chunk, _ := w.br.Peek(n)

	frames := 0
	err := w.decoder.feed(chunk, func(frame []byte) error {
		frames++
		return emit(frame, 0)
	})
	_, _ = w.br.Discard(n)

	return frames, err
}

// write sends r's remaining bytes. A direct write sends at most one chunk
// so the responding goroutine is not held by a large response. A write
// that hits the deadline reports the bytes it got out as a partial write.
func (w *streamWire) write(r *Response, direct bool) (int, error) {
	p := r.remaining()
	if direct && w.chunk > 0 && len(p) > w.chunk {
		p = p[:w.chunk]
	}

	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, fmt.Errorf("%w: %w", transport.ErrWriteFailure, err)
		}
	}

	n, err := w.conn.Write(p)
	r.advance(n)

	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}

		return n, fmt.Errorf("%w: %w", transport.ErrWriteFailure, err)
	}

	return n, nil
}

func (w *streamWire) close() error {
	err := w.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func (w *streamWire) peerClosed() bool {
	return false
}

// tuneConn applies socket options to an accepted TCP connection.
func tuneConn(nc net.Conn, cfg *Config) error {
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}

	if err := tcp.SetNoDelay(cfg.TCPNoDelay); err != nil {
		return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}

	if err := tcp.SetKeepAlive(cfg.TCPKeepAlive); err != nil {
		return fmt.Errorf("failed to set SO_KEEPALIVE: %w", err)
	}

	return nil
}

// isPeerGone reports errors that mean the peer went away.
func isPeerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// isResourceExhausted reports accept errors caused by running out of file
// descriptors, buffers or memory.
func isResourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}
