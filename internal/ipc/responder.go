package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/metrics"
)

type writeResult int

const (
	writeComplete writeResult = iota
	writePartial
	writeFailed
)

// Responder writes queued responses. At most one goroutine writes to a
// connection at a time: the caller of Enqueue when the connection is idle,
// otherwise a drain goroutine started for the connection.
type Responder struct {
	pending      *xsync.MapOf[string, *Connection]
	component    string
	batch        int
	purgeTimeout time.Duration
	wg           sync.WaitGroup
	mu           sync.Mutex
	stopped      bool
}

// NewResponder creates a responder. batch bounds the responses one drain
// pass writes; purgeTimeout closes connections whose queue makes no
// progress for that long (zero disables purging).
func NewResponder(component string, batch int, purgeTimeout time.Duration) *Responder {
	if batch <= 0 {
		batch = 1
	}

	return &Responder{
		pending:      xsync.NewMapOf[string, *Connection](),
		component:    component,
		batch:        batch,
		purgeTimeout: purgeTimeout,
	}
}

// Enqueue queues resp on c. When nothing is queued and no one is writing,
// the response is written on the calling goroutine first, and only what
// remains is queued.
func (r *Responder) Enqueue(c *Connection, resp *Response) {
	if c.closed.Load() {
		resp.Done()
		return
	}

	if c.responses.empty() && c.writeMu.TryLock() {
		if c.responses.empty() {
			res := r.write(c, resp, true)
			if res == writePartial {
				c.responses.pushFront(resp)
			}
			c.writeMu.Unlock()

			if res == writePartial {
				r.registerForWrite(c)
			}

			return
		}
		c.writeMu.Unlock()
	}

	c.responses.pushBack(resp)
	r.registerForWrite(c)
}

// processAll writes up to one batch of queued responses and reports
// whether more work remains.
func (r *Responder) processAll(c *Connection) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for i := 0; i < r.batch; i++ {
		resp := c.responses.popFront()
		if resp == nil {
			return false
		}

		switch r.write(c, resp, false) {
		case writeFailed:
			return false
		case writePartial:
			c.responses.pushFront(resp)
			return true
		}
	}

	return !c.responses.empty()
}

// write makes one write attempt. A complete or failed response is done
// when write returns; a partial one still belongs to the caller.
func (r *Responder) write(c *Connection, resp *Response, direct bool) writeResult {
	n, err := c.wire.write(resp, direct)
	if n > 0 {
		c.lastSent.Store(time.Now().UnixNano())
		metrics.RecordBytesSent(c.Transport, n)
	}

	if err != nil {
		resp.Done()

		log.Debug().
			Err(err).
			Str("component", r.component).
			Str("conn_id", c.ID).
			Str("remote", c.Remote.String()).
			Msg("Response write failed")

		c.close(closeReason(err, metrics.CloseWrite))

		return writeFailed
	}

	if resp.pending() {
		return writePartial
	}

	metrics.RecordResponseWrite(c.Transport, direct)
	resp.Done()

	return writeComplete
}

// registerForWrite starts a drain goroutine for c unless one is running.
func (r *Responder) registerForWrite(c *Connection) {
	if c.closed.Load() || !c.writePending.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		c.writePending.Store(false)

		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.pending.Store(c.ID, c)

	go r.drain(c)
}

func (r *Responder) drain(c *Connection) {
	defer r.wg.Done()

	for {
		if r.processAll(c) && !c.closed.Load() {
			continue
		}

		r.pending.Delete(c.ID)
		c.writePending.Store(false)

		// A response queued after the last pass but before the flag was
		// cleared saw a running drain and did not start one.
		if c.closed.Load() || c.responses.empty() || !c.writePending.CompareAndSwap(false, true) {
			return
		}
		r.pending.Store(c.ID, c)
	}
}

// purge closes connections whose queued responses have made no progress
// for purgeTimeout. It returns the number closed.
func (r *Responder) purge(now time.Time) int {
	if r.purgeTimeout <= 0 {
		return 0
	}

	purged := 0
	r.pending.Range(func(_ string, c *Connection) bool {
		queued, ok := c.responses.oldest()
		if !ok {
			return true
		}

		last := time.Unix(0, c.lastSent.Load())
		if queued.After(last) {
			last = queued
		}

		if now.Sub(last) > r.purgeTimeout {
			log.Warn().
				Str("component", r.component).
				Str("conn_id", c.ID).
				Str("remote", c.Remote.String()).
				Dur("stalled", now.Sub(last)).
				Msg("Purging connection with stalled responses")

			if c.close(metrics.ClosePurge) {
				purged++
			}
		}

		return true
	})

	return purged
}

// Run purges stalled connections until ctx ends, then waits for running
// drains to finish.
func (r *Responder) Run(ctx context.Context) error {
	defer r.stop()

	if r.purgeTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(max(r.purgeTimeout/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.purge(now)
		}
	}
}

func (r *Responder) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.wg.Wait()
}
