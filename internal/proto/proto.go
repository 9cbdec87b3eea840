// internal/proto/proto.go
package proto

import "errors"

// Message type tags, carried in the first payload byte.
const (
	MsgTypeTopology   byte = 0x10
	MsgTypeChunk      byte = 0x11
	MsgTypeSignalling byte = 0x12
	MsgTypeTMan       byte = 0x13
)

var (
	ErrShortMessage = errors.New("short message")
	ErrWrongType    = errors.New("unexpected message type")
	ErrTooMany      = errors.New("too many entries")
)

func TypeName(tag byte) string {
	switch tag {
	case MsgTypeTopology:
		return "topology"
	case MsgTypeChunk:
		return "chunk"
	case MsgTypeSignalling:
		return "signalling"
	case MsgTypeTMan:
		return "tman"
	default:
		return "unknown"
	}
}

// Type returns the tag of an encoded message.
func Type(data []byte) (byte, bool) {
	if len(data) == 0 {
		return 0, false
	}
	return data[0], true
}
