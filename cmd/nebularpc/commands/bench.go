package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebularpc/internal/config"
	"github.com/piwi3910/nebularpc/internal/ipc"
	"github.com/piwi3910/nebularpc/internal/server"
	"github.com/piwi3910/nebularpc/internal/transport/rdma"
)

// BenchOptions configures an in-process benchmark run.
type BenchOptions struct {
	RdmaCallers   int
	StreamCallers int
	Calls         int
	PayloadSize   int
}

// BenchResult summarizes one transport.
type BenchResult struct {
	Transport string
	Callers   int
	Calls     int
	Elapsed   time.Duration
	P50       time.Duration
	P99       time.Duration
	// PeakRefs is the highest pool reference count seen for the shared
	// RDMA entry.
	PeakRefs int
}

// NewBenchCmd creates the bench command
func NewBenchCmd() *cobra.Command {
	var (
		configPath string
		opts       BenchOptions
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark an in-process server over both transports",
		Long: `Start a server in this process with RDMA enabled on the simulated
fabric, then drive concurrent callers through one shared RDMA pool entry
and over separate stream connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadEnvFiles()

			cfg, err := config.Load(configPath, config.Options{})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			if err := setupLogging(cfg.Log); err != nil {
				return err
			}
			if zerolog.GlobalLevel() < zerolog.WarnLevel {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}

			results, err := RunBench(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}

			printBench(cmd.OutOrStdout(), results)

			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&opts.RdmaCallers, "rdma-callers", 8, "Callers sharing one pooled RDMA connection")
	cmd.Flags().IntVar(&opts.StreamCallers, "stream-callers", 8, "Callers with their own stream connection")
	cmd.Flags().IntVar(&opts.Calls, "calls", 1000, "Calls per caller")
	cmd.Flags().IntVar(&opts.PayloadSize, "size", 64, "Request payload size in bytes")

	return cmd
}

// RunBench runs the benchmark against a server built from cfg. The
// server always listens on loopback with RDMA enabled and no admin API.
func RunBench(ctx context.Context, cfg *config.Config, opts BenchOptions) ([]BenchResult, error) {
	if opts.Calls <= 0 || opts.PayloadSize < 0 || opts.RdmaCallers < 0 || opts.StreamCallers < 0 {
		return nil, errors.New("bench: calls must be positive and counts must not be negative")
	}

	cfg.IPC.BindAddress = "127.0.0.1"
	cfg.IPC.Port = 0
	cfg.RDMA.Enabled = true
	cfg.Admin.Enabled = false

	srv, err := server.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	go func() { done <- srv.Start(srvCtx) }()

	select {
	case <-srv.Started():
	case err := <-done:
		cancel()
		return nil, err
	}

	payload := bytes.Repeat([]byte{'x'}, opts.PayloadSize)

	var results []BenchResult

	if opts.RdmaCallers > 0 {
		res, err := benchRdma(ctx, srv.Pool(), cfg.RDMA.Port, payload, opts)
		if err != nil {
			cancel()
			<-done
			return nil, err
		}
		results = append(results, res)
	}

	if opts.StreamCallers > 0 {
		res, err := benchStream(ctx, srv.IPC().Addr().String(), payload, opts)
		if err != nil {
			cancel()
			<-done
			return nil, err
		}
		results = append(results, res)
	}

	cancel()
	if err := <-done; err != nil {
		return results, err
	}

	return results, nil
}

type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(d []time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d...)
	l.mu.Unlock()
}

func (l *latencies) percentile(p float64) time.Duration {
	if len(l.samples) == 0 {
		return 0
	}

	sort.Slice(l.samples, func(i, j int) bool { return l.samples[i] < l.samples[j] })

	return l.samples[int(float64(len(l.samples)-1)*p)]
}

func benchRdma(ctx context.Context, pool *rdma.ConnPool, port int, payload []byte, opts BenchOptions) (BenchResult, error) {
	const addr = "127.0.0.1"

	query := ipc.AppendFrame(nil, payload)
	lat := &latencies{}

	var (
		peakMu sync.Mutex
		peak   int
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < opts.RdmaCallers; i++ {
		g.Go(func() error {
			conn, err := pool.Acquire(gctx, addr, port)
			if err != nil {
				return err
			}
			defer func() { _ = pool.Release(conn) }()

			if refs, ok := pool.RefCount(addr, port); ok {
				peakMu.Lock()
				peak = max(peak, refs)
				peakMu.Unlock()
			}

			samples := make([]time.Duration, 0, opts.Calls)
			for n := 0; n < opts.Calls; n++ {
				t := time.Now()

				resp, err := conn.Call(gctx, query)
				if err != nil {
					return fmt.Errorf("rdma call failed: %w", err)
				}

				frames, err := ipc.SplitFrames(resp, len(payload)+1)
				if err != nil {
					return err
				}
				if len(frames) != 1 || !bytes.Equal(frames[0], payload) {
					return errors.New("rdma reply does not match request")
				}

				samples = append(samples, time.Since(t))
			}
			lat.add(samples)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BenchResult{}, err
	}

	return BenchResult{
		Transport: "rdma",
		Callers:   opts.RdmaCallers,
		Calls:     opts.RdmaCallers * opts.Calls,
		Elapsed:   time.Since(start),
		P50:       lat.percentile(0.50),
		P99:       lat.percentile(0.99),
		PeakRefs:  peak,
	}, nil
}

func benchStream(ctx context.Context, addr string, payload []byte, opts BenchOptions) (BenchResult, error) {
	lat := &latencies{}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < opts.StreamCallers; i++ {
		g.Go(func() error {
			client, err := ipc.Dial(gctx, addr)
			if err != nil {
				return err
			}
			defer client.Close()

			samples := make([]time.Duration, 0, opts.Calls)
			for n := 0; n < opts.Calls; n++ {
				t := time.Now()

				resp, err := client.Call(gctx, payload)
				if err != nil {
					return fmt.Errorf("stream call failed: %w", err)
				}
				if !bytes.Equal(resp, payload) {
					return errors.New("stream reply does not match request")
				}

				samples = append(samples, time.Since(t))
			}
			lat.add(samples)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BenchResult{}, err
	}

	return BenchResult{
		Transport: "stream",
		Callers:   opts.StreamCallers,
		Calls:     opts.StreamCallers * opts.Calls,
		Elapsed:   time.Since(start),
		P50:       lat.percentile(0.50),
		P99:       lat.percentile(0.99),
	}, nil
}

func printBench(out io.Writer, results []BenchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TRANSPORT\tCALLERS\tCALLS\tELAPSED\tCALLS/S\tP50\tP99\tPOOL REFS")

	for _, r := range results {
		rate := float64(r.Calls) / r.Elapsed.Seconds()

		refs := "-"
		if r.Transport == "rdma" {
			refs = fmt.Sprintf("%d", r.PeakRefs)
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%.0f\t%s\t%s\t%s\n",
			r.Transport, r.Callers, r.Calls, r.Elapsed.Round(time.Millisecond), rate, r.P50, r.P99, refs)
	}

	_ = w.Flush()
}
