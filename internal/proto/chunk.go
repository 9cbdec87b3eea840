package proto

import (
	"encoding/binary"
	"fmt"
)

const chunkHeaderSize = 1 + 4 + 8 + 4

// ChunkMsg carries one media chunk between neighbours.
//
//	tag(1) id(4) timestamp(8) size(4) payload(size)
type ChunkMsg struct {
	ID        uint32
	Timestamp uint64
	Payload   []byte
}

func EncodeChunkMsg(m ChunkMsg) []byte {
	out := make([]byte, chunkHeaderSize, chunkHeaderSize+len(m.Payload))
	out[0] = MsgTypeChunk
	binary.BigEndian.PutUint32(out[1:5], m.ID)
	binary.BigEndian.PutUint64(out[5:13], m.Timestamp)
	binary.BigEndian.PutUint32(out[13:17], uint32(len(m.Payload)))
	return append(out, m.Payload...)
}

// DecodeChunkMsg aliases data: Payload points into it.
func DecodeChunkMsg(data []byte) (ChunkMsg, error) {
	if len(data) < chunkHeaderSize {
		return ChunkMsg{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(data))
	}
	if data[0] != MsgTypeChunk {
		return ChunkMsg{}, fmt.Errorf("%w: %#x", ErrWrongType, data[0])
	}
	m := ChunkMsg{
		ID:        binary.BigEndian.Uint32(data[1:5]),
		Timestamp: binary.BigEndian.Uint64(data[5:13]),
	}
	size := binary.BigEndian.Uint32(data[13:17])
	if uint64(size) > uint64(len(data)-chunkHeaderSize) {
		return ChunkMsg{}, fmt.Errorf("%w: payload of %d bytes, have %d", ErrShortMessage, size, len(data)-chunkHeaderSize)
	}
	m.Payload = data[chunkHeaderSize : chunkHeaderSize+int(size)]
	return m, nil
}
