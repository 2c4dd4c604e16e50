package ipc

import (
	"errors"
	"time"
)

// Config holds server transport settings.
type Config struct {
	// Address is the host:port the stream listener binds.
	Address string

	// ReaderThreads is the size of the stream Reader pool.
	ReaderThreads int

	// PendingQueueSize bounds each Reader's hand-off queue.
	PendingQueueSize int

	// MaxConnections refuses stream connections above this count. Zero
	// means unlimited.
	MaxConnections int

	// Idle reaping. A connection is idle after 2*MaxIdleTime without
	// contact and with no outstanding calls.
	IdleScanInterval  time.Duration
	IdleScanThreshold int
	MaxIdleTime       time.Duration
	MaxIdleToClose    int

	// MaxRequestSize bounds a single frame.
	MaxRequestSize int

	// ResponseChunkSize bounds a direct write from the responding goroutine.
	ResponseChunkSize int

	// WriteTimeout bounds one write attempt. Zero disables the deadline.
	WriteTimeout time.Duration

	// PurgeTimeout closes connections whose responses stall this long.
	PurgeTimeout time.Duration

	// ResponderBatch bounds the responses written per drain pass.
	ResponderBatch int

	TCPNoDelay   bool
	TCPKeepAlive bool

	// RdmaReaderThreads is the size of the RDMA Reader pool.
	RdmaReaderThreads int

	// RdmaPollMinInterval and RdmaPollMaxInterval bound the RDMA Reader's
	// back-off between sweeps that found nothing to read.
	RdmaPollMinInterval time.Duration
	RdmaPollMaxInterval time.Duration
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() *Config {
	return &Config{
		Address:             "0.0.0.0:16020",
		ReaderThreads:       10,
		PendingQueueSize:    100,
		IdleScanInterval:    10 * time.Second,
		IdleScanThreshold:   4000,
		MaxIdleTime:         10 * time.Second,
		MaxIdleToClose:      10,
		MaxRequestSize:      256 << 20,
		ResponseChunkSize:   64 << 10,
		WriteTimeout:        5 * time.Second,
		PurgeTimeout:        2 * time.Minute,
		ResponderBatch:      20,
		TCPNoDelay:          true,
		TCPKeepAlive:        true,
		RdmaReaderThreads:   10,
		RdmaPollMinInterval: 50 * time.Microsecond,
		RdmaPollMaxInterval: 2 * time.Millisecond,
	}
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("ipc: address is required")
	}

	if c.ReaderThreads < 1 {
		return errors.New("ipc: reader threads must be at least 1")
	}

	if c.PendingQueueSize < 1 {
		return errors.New("ipc: pending queue size must be at least 1")
	}

	if c.MaxConnections < 0 {
		return errors.New("ipc: max connections must not be negative")
	}

	if c.MaxRequestSize < 1 {
		return errors.New("ipc: max request size must be positive")
	}

	if c.ResponderBatch < 1 {
		return errors.New("ipc: responder batch must be at least 1")
	}

	if c.RdmaReaderThreads < 1 {
		return errors.New("ipc: rdma reader threads must be at least 1")
	}

	if c.RdmaPollMinInterval <= 0 || c.RdmaPollMaxInterval < c.RdmaPollMinInterval {
		return errors.New("ipc: rdma poll intervals must be positive and ordered")
	}

	return nil
}
