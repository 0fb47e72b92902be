package config

import (
	"context"
	"net"
	"time"

	"tunnelmesh/pkg/semaphore"
)

// Dependencies contains injectable dependencies for testing and customization.
// All fields are optional and will use default implementations if nil.
type Dependencies struct {
	TCPDialer      TCPDialerFunc
	TCPListener    TCPListenerFunc
	UDPDialer      UDPDialerFunc
	UDPListener    UDPListenerFunc
	PacketListener PacketListenerFunc
	ConnSem        *semaphore.ConnSemaphore // not read by any package in this module; the node builds its own client cap
}

// TCPDialerFunc is a function that dials a TCP connection using the provided context.
// It returns a net.Conn to allow for mock implementations.
type TCPDialerFunc func(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error)

// TCPListenerFunc is a function that creates a TCP listener.
// It returns a net.Listener to allow for mock implementations.
type TCPListenerFunc func(network string, laddr *net.TCPAddr) (net.Listener, error)

// UDPDialerFunc is a function that dials a UDP connection using the provided context.
// It returns a net.PacketConn to allow for mock implementations.
type UDPDialerFunc func(ctx context.Context, network string, laddr, raddr *net.UDPAddr) (net.PacketConn, error)

// UDPListenerFunc is a function that creates a UDP listener.
// It returns a net.PacketConn to allow for mock implementations.
type UDPListenerFunc func(network string, laddr *net.UDPAddr) (net.PacketConn, error)

// PacketListenerFunc is a function that creates a packet listener.
// It returns a net.PacketConn to allow for mock implementations.
type PacketListenerFunc func(network, address string) (net.PacketConn, error)

// GetTCPDialerFunc returns the TCP dialer function from dependencies, or a default implementation.
// If deps is nil or deps.TCPDialer is nil, returns a function that uses net.Dialer.
func GetTCPDialerFunc(deps *Dependencies) TCPDialerFunc {
	if deps != nil && deps.TCPDialer != nil {
		return deps.TCPDialer
	}
	return func(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
		d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, network, raddr.String())
	}
}

// GetUDPDialerFunc returns the UDP dialer function from dependencies, or a default implementation.
// If deps is nil or deps.UDPDialer is nil, returns a function that creates an unconnected UDP socket.
func GetUDPDialerFunc(deps *Dependencies) UDPDialerFunc {
	if deps != nil && deps.UDPDialer != nil {
		return deps.UDPDialer
	}
	return func(ctx context.Context, network string, laddr, raddr *net.UDPAddr) (net.PacketConn, error) {
		// Unconnected socket: the tunnel layer tracks the remote address itself
		// (KCP demuxes by source address/conv, QUIC handles addr migration).
		return net.ListenUDP(network, laddr)
	}
}

// GetTCPListenerFunc returns the TCP listener function from dependencies, or a default implementation.
// If deps is nil or deps.TCPListener is nil, returns a function that uses net.ListenTCP.
func GetTCPListenerFunc(deps *Dependencies) TCPListenerFunc {
	if deps != nil && deps.TCPListener != nil {
		return deps.TCPListener
	}
	return func(network string, laddr *net.TCPAddr) (net.Listener, error) {
		return net.ListenTCP(network, laddr)
	}
}

// GetUDPListenerFunc returns the UDP listener function from dependencies, or a default implementation.
// If deps is nil or deps.UDPListener is nil, returns a function that uses net.ListenUDP.
func GetUDPListenerFunc(deps *Dependencies) UDPListenerFunc {
	if deps != nil && deps.UDPListener != nil {
		return deps.UDPListener
	}
	return func(network string, laddr *net.UDPAddr) (net.PacketConn, error) {
		return net.ListenUDP(network, laddr)
	}
}

// GetPacketListenerFunc returns the packet listener function from dependencies, or a default implementation.
// If deps is nil or deps.PacketListener is nil, returns a function that uses net.ListenPacket.
func GetPacketListenerFunc(deps *Dependencies) PacketListenerFunc {
	if deps != nil && deps.PacketListener != nil {
		return deps.PacketListener
	}
	return func(network, address string) (net.PacketConn, error) {
		return net.ListenPacket(network, address)
	}
}
