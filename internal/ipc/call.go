package ipc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/piwi3910/nebularpc/internal/transport"
)

// ErrAlreadyResponded is returned by a second Respond on the same call.
var ErrAlreadyResponded = errors.New("call already responded")

// Scheduler runs calls. Dispatch must not block on the call's execution;
// the scheduler answers later through Call.Respond. A Dispatch error means
// the call was refused.
type Scheduler interface {
	Dispatch(call *Call) error
}

// Call is one decoded request frame.
type Call struct {
	Payload  []byte
	Received time.Time
	conn     *Connection
	seq      int
	answered atomic.Bool
}

// Remote returns the caller's endpoint.
func (c *Call) Remote() transport.Endpoint {
	return c.conn.Remote
}

// ConnectionID returns the ID of the connection the call arrived on.
func (c *Call) ConnectionID() string {
	return c.conn.ID
}

// Respond queues the response for writing. It may be called once.
func (c *Call) Respond(payload []byte) error {
	if !c.answered.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}

	return c.conn.respond(payload, c.seq)
}

// Drop abandons the call without responding. The caller sees no answer,
// so this is for shutdown only.
func (c *Call) Drop() {
	if c.answered.CompareAndSwap(false, true) {
		c.conn.callDone()
	}
}

// Response is one framed reply. It is owned by its connection's outbound
// queue until fully written or discarded, and Done is called exactly once
// on every path.
type Response struct {
	buf    *bytebufferpool.ByteBuffer
	queued time.Time
	onDone func()
	off    int
	seq    int
	once   sync.Once
}

func newResponse(payload []byte, seq int, onDone func()) *Response {
	buf := bytebufferpool.Get()
	buf.B = AppendFrame(buf.B[:0], payload)

	return &Response{
		buf:    buf,
		seq:    seq,
		onDone: onDone,
	}
}

// Len returns the framed length.
func (r *Response) Len() int {
	return len(r.buf.B)
}

// remaining returns the bytes not yet written.
func (r *Response) remaining() []byte {
	return r.buf.B[r.off:]
}

func (r *Response) advance(n int) {
	r.off += n
}

func (r *Response) pending() bool {
	return r.off < len(r.buf.B)
}

// Done releases the response buffer and signals completion. Only the first
// call has an effect.
func (r *Response) Done() {
	r.once.Do(func() {
		bytebufferpool.Put(r.buf)
		r.buf = nil

		if r.onDone != nil {
			r.onDone()
		}
	})
}

// responseQueue is the per-connection outbound deque. After close every
// push completes the response immediately.
type responseQueue struct {
	items  []*Response
	mu     sync.Mutex
	closed bool
}

func (q *responseQueue) pushBack(r *Response) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		r.Done()

		return
	}
	if r.queued.IsZero() {
		r.queued = time.Now()
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
}

func (q *responseQueue) pushFront(r *Response) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		r.Done()

		return
	}
	if r.queued.IsZero() {
		r.queued = time.Now()
	}
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = r
	q.mu.Unlock()
}

func (q *responseQueue) popFront() *Response {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	return r
}

// oldest returns when the head response was queued.
func (q *responseQueue) oldest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return time.Time{}, false
	}

	return q.items[0].queued, true
}

func (q *responseQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) == 0
}

func (q *responseQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// close marks the queue closed and returns what was still queued.
func (q *responseQueue) close() []*Response {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	items := q.items
	q.items = nil

	return items
}
