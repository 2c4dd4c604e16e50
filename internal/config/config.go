// Package config provides configuration management for nebularpc.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (NEBULARPC_* prefix)
//  3. Configuration file (nebularpc.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/nebularpc/nebularpc.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/piwi3910/nebularpc/internal/ipc"
	"github.com/piwi3910/nebularpc/internal/scheduler"
	"github.com/piwi3910/nebularpc/internal/transport/rdma"
)

// Config holds all configuration for nebularpc
type Config struct {
	// NodeName identifies this process in logs
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	IPC       IPCConfig       `mapstructure:"ipc" yaml:"ipc"`
	RDMA      RDMAConfig      `mapstructure:"rdma" yaml:"rdma"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown" yaml:"shutdown"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	// Level is a zerolog level name (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level"`
	// Format is json or console
	Format string `mapstructure:"format" yaml:"format"`
}

// IPCConfig configures the stream transport.
type IPCConfig struct {
	BindAddress       string        `mapstructure:"bind_address" yaml:"bind_address"`
	Port              int           `mapstructure:"port" yaml:"port"`
	ReaderThreads     int           `mapstructure:"reader_threads" yaml:"reader_threads"`
	PendingQueueSize  int           `mapstructure:"pending_queue_size" yaml:"pending_queue_size"`
	MaxConnections    int           `mapstructure:"max_connections" yaml:"max_connections"`
	IdleScanInterval  time.Duration `mapstructure:"idle_scan_interval" yaml:"idle_scan_interval"`
	IdleScanThreshold int           `mapstructure:"idle_scan_threshold" yaml:"idle_scan_threshold"`
	MaxIdleTime       time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time"`
	MaxIdleToClose    int           `mapstructure:"max_idle_to_close" yaml:"max_idle_to_close"`
	MaxRequestSize    int           `mapstructure:"max_request_size" yaml:"max_request_size"`
	ResponseChunkSize int           `mapstructure:"response_chunk_size" yaml:"response_chunk_size"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PurgeTimeout      time.Duration `mapstructure:"purge_timeout" yaml:"purge_timeout"`
	ResponderBatch    int           `mapstructure:"responder_batch" yaml:"responder_batch"`
	TCPNoDelay        bool          `mapstructure:"tcp_no_delay" yaml:"tcp_no_delay"`
	TCPKeepAlive      bool          `mapstructure:"tcp_keep_alive" yaml:"tcp_keep_alive"`
}

// RDMAConfig configures the RDMA transport. The fabric is simulated
// in-process.
type RDMAConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Port              int           `mapstructure:"port" yaml:"port"`
	ReaderThreads     int           `mapstructure:"reader_threads" yaml:"reader_threads"`
	Backlog           int           `mapstructure:"backlog" yaml:"backlog"`
	InitialBufferSize int           `mapstructure:"initial_buffer_size" yaml:"initial_buffer_size"`
	MaxBufferSize     int           `mapstructure:"max_buffer_size" yaml:"max_buffer_size"`
	PollMinInterval   time.Duration `mapstructure:"poll_min_interval" yaml:"poll_min_interval"`
	PollMaxInterval   time.Duration `mapstructure:"poll_max_interval" yaml:"poll_max_interval"`
}

// SchedulerConfig configures the FIFO call scheduler.
type SchedulerConfig struct {
	Handlers  int `mapstructure:"handlers" yaml:"handlers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// ShutdownConfig configures the shutdown coordinator.
type ShutdownConfig struct {
	// TotalTimeout bounds the whole shutdown
	TotalTimeout time.Duration `mapstructure:"total_timeout" yaml:"total_timeout"`
	// DrainTimeout bounds the wait for in-flight calls
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// Options are command line overrides
type Options struct {
	BindAddress string
	Port        int
	AdminPort   int
	LogLevel    string
	RDMA        bool
}

// LoadEnvFiles loads .env and .env.local into the environment. Missing
// files are ignored.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("nebularpc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nebularpc")
		v.AddConfigPath("$HOME/.nebularpc")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("NEBULARPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.BindAddress != "" {
		v.Set("ipc.bind_address", opts.BindAddress)
	}
	if opts.Port != 0 {
		v.Set("ipc.port", opts.Port)
	}
	if opts.AdminPort != 0 {
		v.Set("admin.port", opts.AdminPort)
	}
	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}
	if opts.RDMA {
		v.Set("rdma.enabled", true)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	ipcDefaults := ipc.DefaultConfig()
	v.SetDefault("ipc.bind_address", "0.0.0.0")
	v.SetDefault("ipc.port", 16020)
	v.SetDefault("ipc.reader_threads", ipcDefaults.ReaderThreads)
	v.SetDefault("ipc.pending_queue_size", ipcDefaults.PendingQueueSize)
	v.SetDefault("ipc.max_connections", ipcDefaults.MaxConnections)
	v.SetDefault("ipc.idle_scan_interval", ipcDefaults.IdleScanInterval)
	v.SetDefault("ipc.idle_scan_threshold", ipcDefaults.IdleScanThreshold)
	v.SetDefault("ipc.max_idle_time", ipcDefaults.MaxIdleTime)
	v.SetDefault("ipc.max_idle_to_close", ipcDefaults.MaxIdleToClose)
	v.SetDefault("ipc.max_request_size", ipcDefaults.MaxRequestSize)
	v.SetDefault("ipc.response_chunk_size", ipcDefaults.ResponseChunkSize)
	v.SetDefault("ipc.write_timeout", ipcDefaults.WriteTimeout)
	v.SetDefault("ipc.purge_timeout", ipcDefaults.PurgeTimeout)
	v.SetDefault("ipc.responder_batch", ipcDefaults.ResponderBatch)
	v.SetDefault("ipc.tcp_no_delay", ipcDefaults.TCPNoDelay)
	v.SetDefault("ipc.tcp_keep_alive", ipcDefaults.TCPKeepAlive)

	rdmaDefaults := rdma.DefaultConfig()
	v.SetDefault("rdma.enabled", false)
	v.SetDefault("rdma.port", 16021)
	v.SetDefault("rdma.reader_threads", ipcDefaults.RdmaReaderThreads)
	v.SetDefault("rdma.backlog", rdmaDefaults.Backlog)
	v.SetDefault("rdma.initial_buffer_size", rdmaDefaults.InitialBufferSize)
	v.SetDefault("rdma.max_buffer_size", rdmaDefaults.MaxBufferSize)
	v.SetDefault("rdma.poll_min_interval", ipcDefaults.RdmaPollMinInterval)
	v.SetDefault("rdma.poll_max_interval", ipcDefaults.RdmaPollMaxInterval)

	schedDefaults := scheduler.DefaultConfig()
	v.SetDefault("scheduler.handlers", schedDefaults.Handlers)
	v.SetDefault("scheduler.queue_size", schedDefaults.QueueSize)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 16030)

	v.SetDefault("shutdown.total_timeout", 30*time.Second)
	v.SetDefault("shutdown.drain_timeout", 15*time.Second)
}

func (c *Config) validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", c.Log.Format)
	}

	if err := validatePort("ipc.port", c.IPC.Port); err != nil {
		return err
	}

	if c.RDMA.Enabled {
		if err := validatePort("rdma.port", c.RDMA.Port); err != nil {
			return err
		}

		if c.RDMA.Backlog <= 0 {
			return errors.New("rdma.backlog must be positive")
		}

		if c.RDMA.InitialBufferSize <= 0 || c.RDMA.InitialBufferSize > c.RDMA.MaxBufferSize {
			return fmt.Errorf("rdma.initial_buffer_size must be between 1 and rdma.max_buffer_size (%d)", c.RDMA.MaxBufferSize)
		}
	}

	if c.Admin.Enabled {
		if err := validatePort("admin.port", c.Admin.Port); err != nil {
			return err
		}

		if c.Admin.Port != 0 && c.Admin.Port == c.IPC.Port {
			return fmt.Errorf("admin.port and ipc.port must differ (both %d)", c.IPC.Port)
		}
	}

	if c.Scheduler.Handlers <= 0 {
		return errors.New("scheduler.handlers must be positive")
	}

	if c.Scheduler.QueueSize <= 0 {
		return errors.New("scheduler.queue_size must be positive")
	}

	if c.Shutdown.DrainTimeout <= 0 || c.Shutdown.TotalTimeout <= 0 {
		return errors.New("shutdown timeouts must be positive")
	}

	if c.Shutdown.DrainTimeout > c.Shutdown.TotalTimeout {
		return fmt.Errorf("shutdown.drain_timeout (%s) exceeds shutdown.total_timeout (%s)",
			c.Shutdown.DrainTimeout, c.Shutdown.TotalTimeout)
	}

	if err := c.IPCServerConfig().Validate(); err != nil {
		return fmt.Errorf("invalid ipc configuration: %w", err)
	}

	return nil
}

func validatePort(key string, port int) error {
	// Port 0 asks the kernel for a free port.
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", key, port)
	}

	return nil
}

// IPCServerConfig converts the ipc and rdma sections into an ipc.Config.
func (c *Config) IPCServerConfig() *ipc.Config {
	return &ipc.Config{
		Address:             net.JoinHostPort(c.IPC.BindAddress, strconv.Itoa(c.IPC.Port)),
		ReaderThreads:       c.IPC.ReaderThreads,
		PendingQueueSize:    c.IPC.PendingQueueSize,
		MaxConnections:      c.IPC.MaxConnections,
		IdleScanInterval:    c.IPC.IdleScanInterval,
		IdleScanThreshold:   c.IPC.IdleScanThreshold,
		MaxIdleTime:         c.IPC.MaxIdleTime,
		MaxIdleToClose:      c.IPC.MaxIdleToClose,
		MaxRequestSize:      c.IPC.MaxRequestSize,
		ResponseChunkSize:   c.IPC.ResponseChunkSize,
		WriteTimeout:        c.IPC.WriteTimeout,
		PurgeTimeout:        c.IPC.PurgeTimeout,
		ResponderBatch:      c.IPC.ResponderBatch,
		TCPNoDelay:          c.IPC.TCPNoDelay,
		TCPKeepAlive:        c.IPC.TCPKeepAlive,
		RdmaReaderThreads:   c.RDMA.ReaderThreads,
		RdmaPollMinInterval: c.RDMA.PollMinInterval,
		RdmaPollMaxInterval: c.RDMA.PollMaxInterval,
	}
}

// RDMAContextConfig converts the rdma section into an rdma.Config.
func (c *Config) RDMAContextConfig() *rdma.Config {
	cfg := rdma.DefaultConfig()
	cfg.InitialBufferSize = c.RDMA.InitialBufferSize
	cfg.MaxBufferSize = c.RDMA.MaxBufferSize
	cfg.Backlog = c.RDMA.Backlog
	cfg.PollMinInterval = c.RDMA.PollMinInterval
	cfg.PollMaxInterval = c.RDMA.PollMaxInterval

	return cfg
}

// FIFOConfig converts the scheduler section.
func (c *Config) FIFOConfig() scheduler.Config {
	return scheduler.Config{
		Handlers:  c.Scheduler.Handlers,
		QueueSize: c.Scheduler.QueueSize,
	}
}

// AdminAddress returns the admin server listen address.
func (c *Config) AdminAddress() string {
	return net.JoinHostPort(c.IPC.BindAddress, strconv.Itoa(c.Admin.Port))
}
