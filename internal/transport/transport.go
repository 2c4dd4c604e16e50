// Package transport holds the identity and error types shared by every
// nebularpc transport.
//
// Errors returned by the stream and RDMA layers wrap one of the sentinels
// below, so callers classify failures with errors.Is regardless of which
// transport produced them:
//
//	if errors.Is(err, transport.ErrOverRelease) {
//	    // caller released more times than it acquired
//	}
package transport

import (
	"errors"
	"net"
	"strconv"
)

// Error taxonomy.
var (
	// ErrConnect reports a failure to establish a physical connection.
	ErrConnect = errors.New("connect failed")
	// ErrOverRelease reports a release that would drive a reference count below zero.
	ErrOverRelease = errors.New("over-release")
	// ErrInvalidHandle reports an operation on a connection the owner does not track.
	ErrInvalidHandle = errors.New("invalid connection handle")
	// ErrReadFailure reports a transport-level read error.
	ErrReadFailure = errors.New("read failure")
	// ErrWriteFailure reports a transport-level write error.
	ErrWriteFailure = errors.New("write failure")
	// ErrProtocolViolation reports a malformed frame, preamble or handshake sequence.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrResourceExhaustion reports a refused connection or call due to a full queue or registry.
	ErrResourceExhaustion = errors.New("resource exhaustion")
)

// Endpoint identifies a peer by address and port.
type Endpoint struct {
	Addr string
	Port int
}

// NewEndpoint parses a host:port string.
func NewEndpoint(hostport string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, err
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{Addr: host, Port: p}, nil
}

// EndpointOf returns the endpoint of a net.Addr. Addresses without a port
// (unix sockets, pipes) map to port 0.
func EndpointOf(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}

	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Endpoint{Addr: tcp.IP.String(), Port: tcp.Port}
	}

	ep, err := NewEndpoint(addr.String())
	if err != nil {
		return Endpoint{Addr: addr.String()}
	}

	return ep
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Addr, strconv.Itoa(e.Port))
}
