// Package forward implements the proxy forwarding engine: the public
// listener <-> tunnel stream <-> local dial pipeline, with half-close,
// per-node bandwidth limiting and per-proxy traffic accounting. UDP
// proxies carry length-prefixed datagrams over one bidirectional stream
// per remote peer address.
package forward

import (
	"context"
	"encoding/binary"
	"fmt"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/tunnel"
)

// headerLen is the fixed portion of the stream header before the variable
// meta bytes: proxy_id (8) + proxy_type (1) + meta_len (2).
const headerLen = 8 + 1 + 2

// maxMetaLen guards against a corrupt meta_len field over-allocating.
const maxMetaLen = 4096

// Header is the fixed-size prefix the node writes on every bidi stream it
// opens toward a client. The client reads it, resolves the proxy, then
// dials locally before byte-copying.
type Header struct {
	ProxyID    int64
	ProxyType  config.ProxyType
	ClientMeta []byte
}

// EncodeHeader serializes h as proxy_id:i64 BE | proxy_type:u8 | meta_len:u16 BE | meta.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerLen+len(h.ClientMeta))
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.ProxyID))
	buf[8] = byte(h.ProxyType)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(h.ClientMeta)))
	copy(buf[headerLen:], h.ClientMeta)
	return buf
}

// DecodeHeader reads one Header from rs.
func DecodeHeader(ctx context.Context, rs tunnel.RecvStream) (Header, error) {
	fixed := make([]byte, headerLen)
	if err := rs.ReadExact(ctx, fixed); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}

	metaLen := binary.BigEndian.Uint16(fixed[9:11])
	if metaLen > maxMetaLen {
		return Header{}, fmt.Errorf("%w: header meta_len %d exceeds max", errs.ProtocolViolation, metaLen)
	}

	h := Header{
		ProxyID:   int64(binary.BigEndian.Uint64(fixed[0:8])),
		ProxyType: config.ProxyType(fixed[8]),
	}

	if metaLen > 0 {
		h.ClientMeta = make([]byte, metaLen)
		if err := rs.ReadExact(ctx, h.ClientMeta); err != nil {
			return Header{}, fmt.Errorf("read header meta: %w", err)
		}
	}

	return h, nil
}
