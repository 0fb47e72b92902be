package control

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/tunnel"
)

// maxMessageLen guards against a corrupt or malicious length prefix
// allocating unbounded memory.
const maxMessageLen = 16 * 1024 * 1024

// writeMessage gob-encodes m and writes it to s behind an explicit u32 BE
// length prefix. The prefix keeps messages self-delimiting on a
// tunnel.Stream, where a long-lived gob.Encoder's own framing can't be
// resynchronized after a partial read.
func writeMessage(ctx context.Context, s tunnel.SendStream, m Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}

	if buf.Len() > maxMessageLen {
		return fmt.Errorf("%w: message too large (%d bytes)", errs.ProtocolViolation, buf.Len())
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))

	if err := s.WriteAll(ctx, lenPrefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if err := s.WriteAll(ctx, buf.Bytes()); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return s.Flush()
}

// readMessage reads one length-prefixed gob-encoded Message from s.
func readMessage(ctx context.Context, s tunnel.RecvStream) (Message, error) {
	var lenPrefix [4]byte
	if err := s.ReadExact(ctx, lenPrefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > maxMessageLen {
		return nil, fmt.Errorf("%w: declared length %d exceeds max", errs.ProtocolViolation, length)
	}

	payload := make([]byte, length)
	if err := s.ReadExact(ctx, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var m Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: gob decode: %s", errs.ProtocolViolation, err)
	}
	return m, nil
}
