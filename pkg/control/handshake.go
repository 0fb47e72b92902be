package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/tunnel"
)

// DefaultHandshakeTimeout bounds how long the Register/RegisterAccept
// exchange may take before the dial is abandoned.
const DefaultHandshakeTimeout = 10 * time.Second

// Typed validation errors an Accept callback can return; the matching
// rejection code is sent to the joiner. Any other error is sent as
// RejectInvalidToken. All of them wrap errs.AuthRejected.
var (
	ErrInvalidToken    = fmt.Errorf("%w: invalid token", errs.AuthRejected)
	ErrTrafficExceeded = fmt.Errorf("%w: traffic limit exceeded", errs.AuthRejected)
	ErrNoNodeAssigned  = fmt.Errorf("%w: no node assigned", errs.AuthRejected)
)

func rejectCode(err error) string {
	switch {
	case errors.Is(err, ErrTrafficExceeded):
		return RejectTrafficExceeded
	case errors.Is(err, ErrNoNodeAssigned):
		return RejectNoNodeAssigned
	default:
		return RejectInvalidToken
	}
}

// Join performs the joiner side of the handshake: send Register, wait for
// RegisterAccept or RegisterReject. On success the returned RegisterAccept
// carries the assigned ID and any acceptor-issued identity material; the
// stream is then ready to be wrapped by New. The caller (Node dialing a
// Controller, or Client dialing a Node) fills in reg.RequestID if it wants
// one.
func Join(ctx context.Context, stream tunnel.Stream, reg Register) (RegisterAccept, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()

	if err := writeMessage(ctx, stream, reg); err != nil {
		return RegisterAccept{}, fmt.Errorf("send register: %w", err)
	}

	resp, err := readMessage(ctx, stream)
	if err != nil {
		return RegisterAccept{}, fmt.Errorf("%w: %s", errs.Transport, err)
	}

	switch v := resp.(type) {
	case RegisterAccept:
		return v, nil
	case RegisterReject:
		return RegisterAccept{}, fmt.Errorf("%w: %s: %s", errs.AuthRejected, v.Code, v.Reason)
	default:
		return RegisterAccept{}, fmt.Errorf("%w: unexpected message %s during handshake", errs.ProtocolViolation, resp.MsgType())
	}
}

// Accept performs the acceptor side of the handshake: wait for Register,
// call validate to authorize it, and reply with the RegisterAccept payload
// validate produced, or a RegisterReject whose code is derived from the
// returned error.
func Accept(ctx context.Context, stream tunnel.Stream, validate func(Register) (RegisterAccept, error)) (Register, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()

	m, err := readMessage(ctx, stream)
	if err != nil {
		return Register{}, fmt.Errorf("%w: %s", errs.Transport, err)
	}

	reg, ok := m.(Register)
	if !ok {
		return Register{}, fmt.Errorf("%w: expected Register, got %s", errs.ProtocolViolation, m.MsgType())
	}

	accept, err := validate(reg)
	if err != nil {
		writeMessage(ctx, stream, RegisterReject{RequestID: reg.RequestID, Code: rejectCode(err), Reason: err.Error()})
		return reg, fmt.Errorf("%w: %s", errs.AuthRejected, err)
	}

	accept.RequestID = reg.RequestID
	if err := writeMessage(ctx, stream, accept); err != nil {
		return reg, fmt.Errorf("send register accept: %w", err)
	}

	return reg, nil
}
