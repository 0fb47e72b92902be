// Package tunnel defines the transport-agnostic stream abstraction every
// carrier (QUIC, KCP-over-UDP, TCP+yamux) implements. Core code depends only
// on these interfaces, never on a concrete transport.
package tunnel

import (
	"context"
	"io"
	"net"
)

// SendStream is the write half of a bidirectional or unidirectional stream.
type SendStream interface {
	// WriteAll writes the full buffer, blocking until done or ctx is done.
	WriteAll(ctx context.Context, p []byte) error

	// Flush pushes any buffered data to the wire.
	Flush() error

	// Finish closes the write side, signaling EOF to the peer without
	// closing the read side (half-close).
	Finish() error
}

// RecvStream is the read half of a bidirectional or unidirectional stream.
type RecvStream interface {
	// ReadExact reads exactly len(p) bytes or returns an error.
	ReadExact(ctx context.Context, p []byte) error

	// Read reads up to len(p) bytes, like io.Reader.
	Read(p []byte) (int, error)
}

// Stream is a full bidirectional stream combining both halves plus io.Closer.
type Stream interface {
	SendStream
	RecvStream
	io.Closer
}

// Connection is one tunnel session between two peers, carrying any number of
// bidirectional and unidirectional streams.
type Connection interface {
	// OpenBi opens a new bidirectional stream.
	OpenBi(ctx context.Context) (Stream, error)

	// AcceptBi accepts the next bidirectional stream opened by the peer.
	AcceptBi(ctx context.Context) (Stream, error)

	// OpenUni opens a new unidirectional (send-only) stream.
	OpenUni(ctx context.Context) (SendStream, error)

	// AcceptUni accepts the next unidirectional stream opened by the peer.
	AcceptUni(ctx context.Context) (RecvStream, error)

	// RemoteAddress returns the peer's network address.
	RemoteAddress() net.Addr

	// CloseReason returns why the connection closed, or nil while it is
	// still live.
	CloseReason() error

	// Close tears down the connection and all its streams.
	Close() error
}

// Connector dials a remote Listener and establishes a Connection.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}

// Listener accepts inbound Connections.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
}
