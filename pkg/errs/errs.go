// Package errs defines the sentinel error kinds the tunnel fabric
// distinguishes when deciding whether to retry, close a connection, or
// leave a single stream's failure isolated.
package errs

import "errors"

// AuthRejected means a credential was invalid or a quota was exceeded.
// Surfaced to the operator, never retried automatically.
var AuthRejected = errors.New("auth rejected")

// Transport covers socket, TLS, or handshake failures. The reconnect loop
// retries these after backoff.
var Transport = errors.New("transport error")

// Timeout means a request or heartbeat expired.
var Timeout = errors.New("timeout")

// StreamReset means the peer aborted a stream. Forwarding on that stream
// stops; other proxies are unaffected.
var StreamReset = errors.New("stream reset")

// StreamClosed means the peer finished a stream gracefully, or the
// carrying connection closed while a request was outstanding.
var StreamClosed = errors.New("stream closed")

// LocalDialFailed means the target local service refused the connection.
// The caller resets the stream and does not retry.
var LocalDialFailed = errors.New("local dial failed")

// ProtocolViolation means a frame was malformed or carried an unknown
// variant. The carrying connection is closed.
var ProtocolViolation = errors.New("protocol violation")

// HeartbeatTimeout is a close reason: N consecutive heartbeats were missed.
var HeartbeatTimeout = errors.New("heartbeat timeout")

// Is reports whether err wraps target, using errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
