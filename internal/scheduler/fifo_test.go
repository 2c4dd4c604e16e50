package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/piwi3910/nebularpc/internal/ipc"
	"github.com/piwi3910/nebularpc/internal/metrics"
)

// gate blocks handlers until released and reports each call it holds.
type gate struct {
	entered chan []byte
	release chan struct{}
}

func newGate() *gate {
	return &gate{
		entered: make(chan []byte, 16),
		release: make(chan struct{}),
	}
}

func (g *gate) handle(ctx context.Context, payload []byte) []byte {
	g.entered <- payload

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	return payload
}

type harness struct {
	fifo *FIFO
	srv  *ipc.Server
}

func start(t *testing.T, cfg Config, h Handler) *harness {
	t.Helper()

	f, err := New(cfg, h)
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))

	ipcCfg := ipc.DefaultConfig()
	ipcCfg.Address = "127.0.0.1:0"
	ipcCfg.ReaderThreads = 2

	srv, err := ipc.NewServer(ipcCfg, f, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	return &harness{fifo: f, srv: srv}
}

func (h *harness) dial(t *testing.T) *ipc.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := ipc.Dial(ctx, h.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func (h *harness) stop(t *testing.T) {
	t.Helper()

	require.NoError(t, h.srv.StopAccepting())
	require.NoError(t, h.fifo.Stop())
	require.NoError(t, h.srv.Stop())
}

// callAsync runs a call in the background.
func callAsync(c *ipc.Client, payload string) <-chan error {
	result := make(chan error, 1)
	go func() {
		resp, err := c.Call(context.Background(), []byte(payload))
		if err == nil && !bytes.Equal(resp, []byte(payload)) {
			err = fmt.Errorf("got %q", resp)
		}
		result <- err
	}()

	return result
}

func TestFIFOEcho(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := start(t, Config{Handlers: 4, QueueSize: 64}, Echo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c := h.dial(t)

		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 20; j++ {
				payload := []byte(fmt.Sprintf("client-%d-call-%d", i, j))

				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				resp, err := c.Call(ctx, payload)
				cancel()

				assert.NoError(t, err)
				assert.Equal(t, payload, resp)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), h.srv.InFlightCount())
	h.stop(t)
}

func TestFIFORejectsWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newGate()
	h := start(t, Config{Handlers: 1, QueueSize: 1}, g.handle)
	rejected := testutil.ToFloat64(metrics.SchedulerRejected)

	first := callAsync(h.dial(t), "running")
	assert.Equal(t, []byte("running"), <-g.entered)

	second := callAsync(h.dial(t), "queued")
	require.Eventually(t, func() bool { return h.fifo.Len() == 1 }, time.Second, time.Millisecond)

	third := callAsync(h.dial(t), "refused")
	assert.Error(t, <-third, "a refused call closes its connection")
	assert.Equal(t, rejected+1, testutil.ToFloat64(metrics.SchedulerRejected))

	close(g.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	h.stop(t)
}

func TestFIFOStopDropsQueuedCalls(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newGate()
	h := start(t, Config{Handlers: 1, QueueSize: 4}, g.handle)

	first := callAsync(h.dial(t), "running")
	<-g.entered

	second := callAsync(h.dial(t), "queued")
	require.Eventually(t, func() bool { return h.fifo.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.srv.StopAccepting())
	require.NoError(t, h.fifo.Stop())

	require.NoError(t, <-first, "the running call still answers")
	assert.Equal(t, 0, h.fifo.Len())
	require.Eventually(t, func() bool { return h.srv.InFlightCount() == 0 }, time.Second, time.Millisecond)

	require.NoError(t, h.srv.Stop())
	assert.Error(t, <-second, "the dropped call gets no answer")
}

func TestFIFOLifecycle(t *testing.T) {
	f, err := New(DefaultConfig(), Echo)
	require.NoError(t, err)

	require.NoError(t, f.Stop(), "stop before start")
	assert.ErrorIs(t, f.Start(context.Background()), ErrStopped)
	assert.ErrorIs(t, f.Dispatch(&ipc.Call{}), ErrStopped)
	require.NoError(t, f.Stop())
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		handler Handler
	}{
		{name: "no handlers", cfg: Config{Handlers: 0, QueueSize: 1}, handler: Echo},
		{name: "no queue", cfg: Config{Handlers: 1, QueueSize: 0}, handler: Echo},
		{name: "nil handler", cfg: DefaultConfig()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.handler)
			assert.Error(t, err)
		})
	}
}
