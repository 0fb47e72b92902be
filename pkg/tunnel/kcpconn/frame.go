package kcpconn

import "encoding/binary"

// Frame flags, combined with bitwise OR.
const (
	flagSYN byte = 1 << iota
	flagFIN
	flagUni // set for a unidirectional stream, unset for bidirectional
	flagData
)

// frameHeaderLen is stream_id:u32 | flags:u8 | length:u24, big-endian.
const frameHeaderLen = 8

// maxFrameLen bounds a single DATA frame's payload so length fits in 24
// bits and so one stream can't hold the shared writer for too long.
const maxFrameLen = 16 * 1024

// connStreamID is reserved for connection-level close: a FIN on stream 0
// tears down the whole session.
const connStreamID uint32 = 0

func encodeHeader(id uint32, flags byte, length int) []byte {
	h := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(h[0:4], id)
	h[4] = flags
	h[5] = byte(length >> 16)
	h[6] = byte(length >> 8)
	h[7] = byte(length)
	return h
}

func decodeHeader(h []byte) (id uint32, flags byte, length int) {
	id = binary.BigEndian.Uint32(h[0:4])
	flags = h[4]
	length = int(h[5])<<16 | int(h[6])<<8 | int(h[7])
	return
}
