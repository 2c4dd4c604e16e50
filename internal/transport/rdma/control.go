package rdma

import (
	"fmt"
	"sync/atomic"

	"github.com/piwi3910/nebularpc/internal/transport"
)

// Handshake magic values. The magic word is the only synchronization
// between the two sides of a connection; each side polls it.
const (
	// MagicInitial: the published buffer is active and no resize is pending.
	MagicInitial uint32 = 0x00000000
	// MagicResized: the server published a newly registered buffer token.
	MagicResized uint32 = 0xFFFFFFFF
	// MagicQuery: the client finished writing a query into the active buffer.
	MagicQuery uint32 = 0xAAAAAAAA
	// MagicResponse: the server finished writing a response into the buffer.
	MagicResponse uint32 = 0x55555555
)

// MagicName returns a printable name for a magic value.
func MagicName(m uint32) string {
	switch m {
	case MagicInitial:
		return "initial"
	case MagicResized:
		return "resized"
	case MagicQuery:
		return "query"
	case MagicResponse:
		return "response"
	default:
		return fmt.Sprintf("0x%08X", m)
	}
}

// BufferToken describes a registered region to the peer. Generation
// changes on every registration, so a token taken before a resize never
// resolves to the replacement buffer.
type BufferToken struct {
	RemoteKey  uint32
	Length     uint32
	Generation uint64
}

// ControlRecord is the per-connection record shared by client and server:
// {magic, current size, buffer token}. The size field carries the query
// size while a query is outstanding and the response size once the server
// sets MagicResponse.
type ControlRecord struct {
	token atomic.Pointer[BufferToken]
	magic atomic.Uint32
	size  atomic.Uint32
}

// Magic returns the current magic value.
func (c *ControlRecord) Magic() uint32 {
	return c.magic.Load()
}

// SetMagic stores a magic value. Buffer contents written before the call
// are visible to a peer that observes the new value.
func (c *ControlRecord) SetMagic(m uint32) {
	c.magic.Store(m)
}

// Size returns the current payload size.
func (c *ControlRecord) Size() uint32 {
	return c.size.Load()
}

// SetSize stores the current payload size.
func (c *ControlRecord) SetSize(n uint32) {
	c.size.Store(n)
}

// Token returns the most recently published buffer token.
func (c *ControlRecord) Token() BufferToken {
	if t := c.token.Load(); t != nil {
		return *t
	}

	return BufferToken{}
}

func (c *ControlRecord) publish(t BufferToken) {
	c.token.Store(&t)
}

// link is the state both ends of one connection observe.
type link struct {
	control    ControlRecord
	server     transport.Endpoint
	client     transport.Endpoint
	serverDown atomic.Bool
	clientDown atomic.Bool
}

func (l *link) down() bool {
	return l.serverDown.Load() || l.clientDown.Load()
}
