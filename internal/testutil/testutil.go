// Package testutil provides helpers shared by nebularpc tests.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//		fabric := testutil.NewFabric(t)
//		path := testutil.WriteConfig(t, "rdma:\n  enabled: true\n")
//		ctx := testutil.CallContext(t, 2*time.Second)
//		...
//	}
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebularpc/internal/transport/rdma"
)

// CallContext returns a context cancelled after d or when the test ends.
func CallContext(t *testing.T, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)

	return ctx
}

// WriteConfig writes body to nebularpc.yaml in a temporary directory and
// returns its path.
func WriteConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nebularpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

// NewFabric returns an initialized simulated RDMA context with short poll
// intervals. It is destroyed when the test ends.
func NewFabric(t *testing.T) *rdma.Context {
	t.Helper()

	cfg := rdma.DefaultConfig()
	cfg.PollMinInterval = 10 * time.Microsecond
	cfg.PollMaxInterval = 500 * time.Microsecond

	fabric := rdma.NewContext(cfg, nil)
	require.NoError(t, fabric.Init())

	t.Cleanup(func() { _ = fabric.Destroy() })

	return fabric
}
