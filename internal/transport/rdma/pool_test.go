package rdma

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebularpc/internal/transport"
)

// serve binds port and accepts connections until the context is destroyed.
func serve(t *testing.T, ctx *Context, port int) {
	t.Helper()

	l, err := ctx.Bind(port)
	require.NoError(t, err)

	go func() {
		for {
			if _, err := l.BlockingAccept(); err != nil {
				return
			}
		}
	}()
}

// countingDial wraps Connect and counts dials.
func countingDial(ctx *Context, dials *atomic.Int32) DialFunc {
	return func(c context.Context, addr string, port int) (*ClientConn, error) {
		dials.Add(1)
		return ctx.Connect(c, addr, port)
	}
}

func TestPoolAcquireSharesConnection(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	var dials atomic.Int32
	pool := NewConnPool(countingDial(ctx, &dials))

	c1, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	c2, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), dials.Load())

	refs, ok := pool.RefCount("10.0.0.1", 7000)
	require.True(t, ok)
	assert.Equal(t, 2, refs)

	require.NoError(t, pool.Release(c1))
	refs, _ = pool.RefCount("10.0.0.1", 7000)
	assert.Equal(t, 1, refs)
	assert.False(t, c1.IsClosed())

	require.NoError(t, pool.Shutdown("10.0.0.1", 7000))
	assert.True(t, c1.IsClosed())
	assert.Equal(t, 0, pool.Len())

	err = pool.Release(c2)
	assert.ErrorIs(t, err, transport.ErrInvalidHandle)
}

func TestPoolReleaseAndCloseClosesOnLastReference(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	pool := NewConnPool(ctx.Connect)

	c, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)

	require.NoError(t, pool.ReleaseAndClose(c))
	assert.False(t, c.IsClosed(), "connection still referenced")
	assert.Equal(t, 1, pool.Len())

	require.NoError(t, pool.ReleaseAndClose(c))
	assert.True(t, c.IsClosed())
	assert.Equal(t, 0, pool.Len())

	assert.ErrorIs(t, pool.ReleaseAndClose(c), transport.ErrInvalidHandle)
}

func TestPoolOverRelease(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	pool := NewConnPool(ctx.Connect)

	c, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)

	require.NoError(t, pool.Release(c))
	assert.ErrorIs(t, pool.Release(c), transport.ErrOverRelease)
	assert.ErrorIs(t, pool.ReleaseAndClose(c), transport.ErrOverRelease)

	// The entry survives until shrunk.
	assert.Equal(t, 1, pool.Len())
	assert.False(t, c.IsClosed())
}

func TestPoolShrink(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)
	serve(t, ctx, 7001)

	pool := NewConnPool(ctx.Connect)

	idle, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	busy, err := pool.Acquire(context.Background(), "10.0.0.2", 7001)
	require.NoError(t, err)

	require.NoError(t, pool.Release(idle))

	assert.Equal(t, 1, pool.Shrink())
	assert.True(t, idle.IsClosed())
	assert.False(t, busy.IsClosed())
	assert.Equal(t, 1, pool.Len())

	assert.Equal(t, 0, pool.Shrink(), "second shrink has nothing to do")
	assert.Equal(t, 1, pool.Len())
}

func TestPoolReacquireAfterShrinkDials(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	var dials atomic.Int32
	pool := NewConnPool(countingDial(ctx, &dials))

	old, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	require.NoError(t, pool.Release(old))
	require.Equal(t, 1, pool.Shrink())

	fresh, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, int32(2), dials.Load())

	// The stale handle does not address the new entry.
	assert.ErrorIs(t, pool.Release(old), transport.ErrInvalidHandle)
	assert.NoError(t, pool.Release(fresh))
}

func TestPoolConnectErrorLeavesNoEntry(t *testing.T) {
	ctx := newTestContext(t)

	pool := NewConnPool(ctx.Connect)

	_, err := pool.Acquire(context.Background(), "10.0.0.1", 7100)
	require.ErrorIs(t, err, transport.ErrConnect)
	assert.Equal(t, 0, pool.Len())

	_, ok := pool.RefCount("10.0.0.1", 7100)
	assert.False(t, ok)
}

func TestPoolWrapsForeignDialErrors(t *testing.T) {
	boom := errors.New("boom")
	pool := NewConnPool(func(context.Context, string, int) (*ClientConn, error) {
		return nil, boom
	})

	_, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	assert.ErrorIs(t, err, transport.ErrConnect)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, pool.Len())
}

func TestPoolSlowDialDoesNotBlockOtherEndpoints(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)
	serve(t, ctx, 7001)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	pool := NewConnPool(func(c context.Context, addr string, port int) (*ClientConn, error) {
		if port == 7001 {
			close(entered)
			<-unblock
		}
		return ctx.Connect(c, addr, port)
	})

	a, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)

	slow := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), "10.0.0.2", 7001)
		slow <- err
	}()
	<-entered

	released := make(chan error, 1)
	go func() { released <- pool.Release(a) }()

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(unblock)
		t.Fatal("Release on 10.0.0.1:7000 waited for the dial to 10.0.0.2:7001")
	}

	refs, ok := pool.RefCount("10.0.0.1", 7000)
	require.True(t, ok)
	assert.Equal(t, 0, refs)
	assert.Equal(t, 1, pool.Len(), "a dial in progress has no entry")

	close(unblock)
	require.NoError(t, <-slow)
	assert.Equal(t, 2, pool.Len())
}

func TestPoolConcurrentAcquireSharesOneDial(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	var dials atomic.Int32
	gate := make(chan struct{})
	pool := NewConnPool(func(c context.Context, addr string, port int) (*ClientConn, error) {
		dials.Add(1)
		<-gate
		return ctx.Connect(c, addr, port)
	})

	const borrowers = 8
	conns := make([]*ClientConn, borrowers)

	var wg sync.WaitGroup
	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}

	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}

	refs, ok := pool.RefCount("10.0.0.1", 7000)
	require.True(t, ok)
	assert.Equal(t, borrowers, refs)
}

func TestPoolFailedSharedDialLeavesNoEntry(t *testing.T) {
	boom := errors.New("boom")
	gate := make(chan struct{})
	pool := NewConnPool(func(context.Context, string, int) (*ClientConn, error) {
		<-gate
		return nil, boom
	})

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
			errs <- err
		}()
	}

	close(gate)
	for i := 0; i < 4; i++ {
		err := <-errs
		assert.ErrorIs(t, err, transport.ErrConnect)
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, 0, pool.Len())
}

func TestPoolAcquireWaitHonoursContext(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	gate := make(chan struct{})
	pool := NewConnPool(func(c context.Context, addr string, port int) (*ClientConn, error) {
		<-gate
		return ctx.Connect(c, addr, port)
	})

	first := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
		first <- err
	}()

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.pending) == 1
	}, time.Second, time.Millisecond)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pool.Acquire(waitCtx, "10.0.0.1", 7000)
	assert.ErrorIs(t, err, transport.ErrConnect)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, <-first)

	refs, _ := pool.RefCount("10.0.0.1", 7000)
	assert.Equal(t, 1, refs)
}

func TestPoolEvictsClosedConnection(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	var dials atomic.Int32
	pool := NewConnPool(countingDial(ctx, &dials))

	old, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	fresh, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.False(t, fresh.IsClosed())
	assert.Equal(t, int32(2), dials.Load())

	refs, _ := pool.RefCount("10.0.0.1", 7000)
	assert.Equal(t, 1, refs)
	assert.ErrorIs(t, pool.Release(old), transport.ErrInvalidHandle)
}

func TestPoolShutdownUnknownEndpoint(t *testing.T) {
	pool := NewConnPool(nil)

	assert.ErrorIs(t, pool.Shutdown("10.0.0.1", 7000), transport.ErrInvalidHandle)
	assert.ErrorIs(t, pool.Release(nil), transport.ErrInvalidHandle)
}

func TestPoolShutdownConn(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)

	pool := NewConnPool(ctx.Connect)

	c, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)

	require.NoError(t, pool.ShutdownConn(c))
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, pool.ShutdownConn(c), transport.ErrInvalidHandle)
}

func TestPoolDrainAll(t *testing.T) {
	ctx := newTestContext(t)
	serve(t, ctx, 7000)
	serve(t, ctx, 7001)

	pool := NewConnPool(ctx.Connect)

	a, err := pool.Acquire(context.Background(), "10.0.0.1", 7000)
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background(), "10.0.0.1", 7001)
	require.NoError(t, err)

	require.NoError(t, pool.DrainAll())
	assert.Equal(t, 0, pool.Len())
	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())

	require.NoError(t, pool.DrainAll())
}

// TestPoolRefCountModel drives the pool with a random operation sequence
// and checks it against a plain counter per endpoint.
func TestPoolRefCountModel(t *testing.T) {
	ctx := newTestContext(t)
	ports := []int{7000, 7001, 7002}
	for _, p := range ports {
		serve(t, ctx, p)
	}

	pool := NewConnPool(ctx.Connect)
	model := make(map[int]int)
	handles := make(map[int]*ClientConn)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		port := ports[rng.Intn(len(ports))]

		switch rng.Intn(5) {
		case 0, 1:
			c, err := pool.Acquire(context.Background(), "10.0.0.9", port)
			require.NoError(t, err)
			if h, ok := handles[port]; ok {
				require.Same(t, h, c)
			}
			handles[port] = c
			model[port]++
		case 2:
			c, ok := handles[port]
			if !ok {
				continue
			}
			err := pool.Release(c)
			if model[port] == 0 {
				require.ErrorIs(t, err, transport.ErrOverRelease)
				continue
			}
			require.NoError(t, err)
			model[port]--
		case 3:
			c, ok := handles[port]
			if !ok {
				continue
			}
			err := pool.ReleaseAndClose(c)
			switch model[port] {
			case 0:
				require.ErrorIs(t, err, transport.ErrOverRelease)
			case 1:
				require.NoError(t, err)
				require.True(t, c.IsClosed())
				delete(handles, port)
				delete(model, port)
			default:
				require.NoError(t, err)
				model[port]--
			}
		case 4:
			pool.Shrink()
			for p, refs := range model {
				if refs == 0 {
					require.True(t, handles[p].IsClosed())
					delete(handles, p)
					delete(model, p)
				}
			}
		}

		require.Equal(t, len(model), pool.Len())
		for p, refs := range model {
			got, ok := pool.RefCount("10.0.0.9", p)
			require.True(t, ok)
			require.Equal(t, refs, got)
		}
	}

	require.NoError(t, pool.DrainAll())
}
