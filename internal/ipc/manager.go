package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebularpc/internal/metrics"
	"github.com/piwi3910/nebularpc/internal/transport"
)

// ConnectionManager tracks live stream connections and reclaims idle ones.
type ConnectionManager struct {
	conns *xsync.MapOf[string, *Connection]
	timer *time.Timer

	maxConnections int64
	scanInterval   time.Duration
	scanThreshold  int64
	maxIdleTime    time.Duration
	maxIdleToClose int

	count   atomic.Int64
	scanMu  sync.Mutex
	timerMu sync.Mutex
	stopped bool
}

// NewConnectionManager creates a manager from the connection settings in cfg.
func NewConnectionManager(cfg *Config) *ConnectionManager {
	return &ConnectionManager{
		conns:          xsync.NewMapOf[string, *Connection](),
		maxConnections: int64(cfg.MaxConnections),
		scanInterval:   cfg.IdleScanInterval,
		scanThreshold:  int64(cfg.IdleScanThreshold),
		maxIdleTime:    cfg.MaxIdleTime,
		maxIdleToClose: cfg.MaxIdleToClose,
	}
}

// Count returns the number of registered connections.
func (m *ConnectionManager) Count() int {
	return int(m.count.Load())
}

// register adds c to the registry. It fails when the connection limit is
// reached or c is already registered.
func (m *ConnectionManager) register(c *Connection) error {
	n := m.count.Add(1)
	if m.maxConnections > 0 && n > m.maxConnections {
		m.count.Add(-1)
		return fmt.Errorf("%w: %d connections open, limit %d",
			transport.ErrResourceExhaustion, n-1, m.maxConnections)
	}

	if _, loaded := m.conns.LoadOrStore(c.ID, c); loaded {
		m.count.Add(-1)
		return fmt.Errorf("%w: connection %s already registered", transport.ErrInvalidHandle, c.ID)
	}

	c.onClose = m.forget
	metrics.RecordAccept(c.Transport)

	return nil
}

// forget removes c from the registry. Only the first call counts.
func (m *ConnectionManager) forget(c *Connection) {
	if _, ok := m.conns.LoadAndDelete(c.ID); ok {
		m.count.Add(-1)
	}
}

// close closes c and removes it from the registry. It reports false when c
// was already closed.
func (m *ConnectionManager) close(c *Connection, reason string) bool {
	closed := c.close(reason)
	m.forget(c)

	return closed
}

// closeIdle closes connections with no outstanding calls whose last
// contact is older than twice the max idle time. Unless scanAll is set the
// scan runs only while the registry holds at least the threshold, and
// stops after closing maxIdleToClose connections.
func (m *ConnectionManager) closeIdle(scanAll bool) int {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	metrics.IdleScans.Inc()

	cutoff := time.Now().Add(-2 * m.maxIdleTime).UnixNano()
	closed := 0

	m.conns.Range(func(_ string, c *Connection) bool {
		if !scanAll && m.count.Load() < m.scanThreshold {
			return false
		}

		if c.isIdle() && c.lastContact.Load() < cutoff {
			if m.close(c, metrics.CloseIdle) {
				closed++
			}

			if !scanAll && closed >= m.maxIdleToClose {
				return false
			}
		}

		return true
	})

	if closed > 0 {
		log.Debug().
			Str("component", "ipc.manager").
			Int("closed", closed).
			Bool("forced", scanAll).
			Msg("Closed idle connections")
	}

	return closed
}

// closeAll closes every registered connection.
func (m *ConnectionManager) closeAll() int {
	var all []*Connection
	m.conns.Range(func(_ string, c *Connection) bool {
		all = append(all, c)
		return true
	})

	for _, c := range all {
		m.close(c, metrics.CloseShutdown)
	}

	return len(all)
}

// snapshot returns info for every registered connection.
func (m *ConnectionManager) snapshot() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, m.Count())
	m.conns.Range(func(_ string, c *Connection) bool {
		out = append(out, c.Info())
		return true
	})

	return out
}

// startIdleScan schedules the idle scan. Each run is scheduled from the
// end of the previous one, so scans never overlap.
func (m *ConnectionManager) startIdleScan() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if m.stopped || m.timer != nil || m.scanInterval <= 0 {
		return
	}

	m.timer = time.AfterFunc(m.scanInterval, m.idleScan)
}

func (m *ConnectionManager) idleScan() {
	m.closeIdle(false)

	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if !m.stopped {
		m.timer.Reset(m.scanInterval)
	}
}

// stopIdleScan cancels the idle scan and waits for a running pass.
func (m *ConnectionManager) stopIdleScan() {
	m.timerMu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerMu.Unlock()

	m.scanMu.Lock()
	m.scanMu.Unlock() //nolint:staticcheck // SA2001: waits for an in-flight pass
}
