package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nebularpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 16020, cfg.IPC.Port)
	assert.Equal(t, 10, cfg.IPC.ReaderThreads)
	assert.Equal(t, 100, cfg.IPC.PendingQueueSize)
	assert.Equal(t, 10*time.Second, cfg.IPC.IdleScanInterval)
	assert.Equal(t, 4000, cfg.IPC.IdleScanThreshold)
	assert.Equal(t, 10, cfg.IPC.MaxIdleToClose)
	assert.Equal(t, 256<<20, cfg.IPC.MaxRequestSize)
	assert.Equal(t, 2*time.Minute, cfg.IPC.PurgeTimeout)
	assert.False(t, cfg.RDMA.Enabled)
	assert.Equal(t, 16021, cfg.RDMA.Port)
	assert.Equal(t, 50*time.Microsecond, cfg.RDMA.PollMinInterval)
	assert.Equal(t, 30, cfg.Scheduler.Handlers)
	assert.Equal(t, 3000, cfg.Scheduler.QueueSize)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, 16030, cfg.Admin.Port)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.TotalTimeout)
	assert.NotEmpty(t, cfg.NodeName)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node_name: rpc-1
log:
  level: debug
  format: console
ipc:
  port: 17000
  reader_threads: 4
  idle_scan_interval: 2s
  max_idle_time: 500ms
rdma:
  enabled: true
  port: 17001
  poll_min_interval: 20us
scheduler:
  handlers: 8
`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "rpc-1", cfg.NodeName)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 17000, cfg.IPC.Port)
	assert.Equal(t, 4, cfg.IPC.ReaderThreads)
	assert.Equal(t, 2*time.Second, cfg.IPC.IdleScanInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.IPC.MaxIdleTime)
	assert.True(t, cfg.RDMA.Enabled)
	assert.Equal(t, 20*time.Microsecond, cfg.RDMA.PollMinInterval)
	assert.Equal(t, 8, cfg.Scheduler.Handlers)
	assert.Equal(t, 3000, cfg.Scheduler.QueueSize, "unset keys keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	assert.Error(t, err)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "ipc:\n  port: 17000\n")
	t.Setenv("NEBULARPC_IPC_PORT", "18000")
	t.Setenv("NEBULARPC_SCHEDULER_QUEUE_SIZE", "50")

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, 18000, cfg.IPC.Port)
	assert.Equal(t, 50, cfg.Scheduler.QueueSize)
}

func TestLoadOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("NEBULARPC_IPC_PORT", "18000")

	cfg, err := Load("", Options{
		BindAddress: "127.0.0.1",
		Port:        19000,
		AdminPort:   19001,
		LogLevel:    "warn",
		RDMA:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.IPC.BindAddress)
	assert.Equal(t, 19000, cfg.IPC.Port)
	assert.Equal(t, 19001, cfg.Admin.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.RDMA.Enabled)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("NEBULARPC_ADMIN_PORT=19500\n"), 0600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("NEBULARPC_ADMIN_PORT")
	})

	LoadEnvFiles()

	cfg, err := Load("", Options{})
	require.NoError(t, err)
	assert.Equal(t, 19500, cfg.Admin.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log format",
			yaml:    "log:\n  format: xml\n",
			wantErr: "invalid log format",
		},
		{
			name:    "port out of range",
			yaml:    "ipc:\n  port: 70000\n",
			wantErr: "ipc.port 70000 out of range",
		},
		{
			name:    "admin port clash",
			yaml:    "ipc:\n  port: 17000\nadmin:\n  port: 17000\n",
			wantErr: "must differ",
		},
		{
			name:    "no handlers",
			yaml:    "scheduler:\n  handlers: 0\n",
			wantErr: "scheduler.handlers",
		},
		{
			name:    "drain longer than total",
			yaml:    "shutdown:\n  total_timeout: 5s\n  drain_timeout: 10s\n",
			wantErr: "exceeds shutdown.total_timeout",
		},
		{
			name:    "rdma buffer sizes",
			yaml:    "rdma:\n  enabled: true\n  initial_buffer_size: 8192\n  max_buffer_size: 4096\n",
			wantErr: "rdma.initial_buffer_size",
		},
		{
			name:    "no readers",
			yaml:    "ipc:\n  reader_threads: 0\n",
			wantErr: "invalid ipc configuration",
		},
		{
			name:    "unordered poll intervals",
			yaml:    "rdma:\n  poll_min_interval: 5ms\n  poll_max_interval: 1ms\n",
			wantErr: "invalid ipc configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml), Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ipc:
  bind_address: 127.0.0.1
  port: 17000
  max_connections: 5
rdma:
  reader_threads: 3
  backlog: 16
  initial_buffer_size: 1024
admin:
  port: 17002
`), Options{})
	require.NoError(t, err)

	ipcCfg := cfg.IPCServerConfig()
	assert.Equal(t, "127.0.0.1:17000", ipcCfg.Address)
	assert.Equal(t, 5, ipcCfg.MaxConnections)
	assert.Equal(t, 3, ipcCfg.RdmaReaderThreads)
	require.NoError(t, ipcCfg.Validate())

	rdmaCfg := cfg.RDMAContextConfig()
	assert.Equal(t, 16, rdmaCfg.Backlog)
	assert.Equal(t, 1024, rdmaCfg.InitialBufferSize)

	assert.Equal(t, 30, cfg.FIFOConfig().Handlers)
	assert.Equal(t, "127.0.0.1:17002", cfg.AdminAddress())
}
