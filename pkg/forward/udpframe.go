package forward

import (
	"context"
	"encoding/binary"
	"fmt"

	"tunnelmesh/pkg/tunnel"
)

// maxUDPDatagram is the largest UDP payload the framing protocol carries;
// larger datagrams are dropped with a warning.
const maxUDPDatagram = 65535

// writeUDPFrame writes one length-prefixed datagram: u16 BE len | bytes.
func writeUDPFrame(ctx context.Context, s tunnel.SendStream, payload []byte) error {
	if len(payload) > maxUDPDatagram {
		return fmt.Errorf("datagram too large: %d bytes", len(payload))
	}

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))

	if err := s.WriteAll(ctx, hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := s.WriteAll(ctx, payload); err != nil {
			return err
		}
	}
	return s.Flush()
}

// readUDPFrame reads one length-prefixed datagram.
func readUDPFrame(ctx context.Context, s tunnel.RecvStream) ([]byte, error) {
	var hdr [2]byte
	if err := s.ReadExact(ctx, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(hdr[:])
	if length == 0 {
		return nil, nil
	}

	payload := make([]byte, length)
	if err := s.ReadExact(ctx, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
