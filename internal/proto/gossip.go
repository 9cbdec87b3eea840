package proto

import (
	"encoding/binary"
	"fmt"

	"peerstreamer/internal/node"
)

const (
	GossipQuery byte = 1
	GossipReply byte = 2

	MaxGossipEntries  = 256
	MaxMetadataSize   = 1 << 10
	gossipHeaderSize  = 1 + 1 + 2 + 2 + node.WireSize
	gossipEntryFixed  = node.WireSize + 2
	maxGossipEntryAge = 0xffff
)

// GossipEntry is one peer carried by a gossip message.
type GossipEntry struct {
	ID   node.ID
	Age  int
	Meta []byte
}

// GossipMsg is shared by the sampling and the ranked engines; only the tag
// differs.
//
//	tag(1) kind(1) metaSize(2) count(2) sender(8) senderMeta(metaSize)
//	count * [id(8) age(2) meta(metaSize)]
type GossipMsg struct {
	Tag        byte
	Kind       byte
	Sender     node.ID
	SenderMeta []byte
	Entries    []GossipEntry
}

func (m GossipMsg) metaSize() (int, error) {
	size := len(m.SenderMeta)
	for _, e := range m.Entries {
		if len(e.Meta) != size {
			return 0, fmt.Errorf("metadata size mismatch: %d != %d", len(e.Meta), size)
		}
	}
	if size > MaxMetadataSize {
		return 0, fmt.Errorf("metadata size %d exceeds %d", size, MaxMetadataSize)
	}
	return size, nil
}

func EncodeGossipMsg(m GossipMsg) ([]byte, error) {
	if m.Tag != MsgTypeTopology && m.Tag != MsgTypeTMan {
		return nil, fmt.Errorf("%w: %#x", ErrWrongType, m.Tag)
	}
	if len(m.Entries) > MaxGossipEntries {
		return nil, fmt.Errorf("%w: %d", ErrTooMany, len(m.Entries))
	}
	msize, err := m.metaSize()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, gossipHeaderSize+msize+len(m.Entries)*(gossipEntryFixed+msize))
	out = append(out, m.Tag, m.Kind)
	out = binary.BigEndian.AppendUint16(out, uint16(msize))
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Entries)))
	if out, err = m.Sender.AppendBinary(out); err != nil {
		return nil, err
	}
	out = append(out, m.SenderMeta...)
	for _, e := range m.Entries {
		if out, err = e.ID.AppendBinary(out); err != nil {
			return nil, err
		}
		age := e.Age
		if age < 0 {
			age = 0
		}
		if age > maxGossipEntryAge {
			age = maxGossipEntryAge
		}
		out = binary.BigEndian.AppendUint16(out, uint16(age))
		out = append(out, e.Meta...)
	}
	return out, nil
}

// DecodeGossipMsg parses a message carrying the expected tag. Metadata slices
// are copies and do not alias data.
func DecodeGossipMsg(data []byte, tag byte) (GossipMsg, error) {
	if len(data) < gossipHeaderSize {
		return GossipMsg{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(data))
	}
	if data[0] != tag || (tag != MsgTypeTopology && tag != MsgTypeTMan) {
		return GossipMsg{}, fmt.Errorf("%w: %#x", ErrWrongType, data[0])
	}
	m := GossipMsg{Tag: data[0], Kind: data[1]}
	if m.Kind != GossipQuery && m.Kind != GossipReply {
		return GossipMsg{}, fmt.Errorf("unknown gossip kind %d", m.Kind)
	}
	msize := int(binary.BigEndian.Uint16(data[2:4]))
	count := int(binary.BigEndian.Uint16(data[4:6]))
	if msize > MaxMetadataSize {
		return GossipMsg{}, fmt.Errorf("metadata size %d exceeds %d", msize, MaxMetadataSize)
	}
	if count > MaxGossipEntries {
		return GossipMsg{}, fmt.Errorf("%w: %d", ErrTooMany, count)
	}
	want := gossipHeaderSize + msize + count*(gossipEntryFixed+msize)
	if len(data) < want {
		return GossipMsg{}, fmt.Errorf("%w: have %d bytes, need %d", ErrShortMessage, len(data), want)
	}
	sender, n, err := node.Decode(data[6:])
	if err != nil {
		return GossipMsg{}, err
	}
	m.Sender = sender
	off := 6 + n
	m.SenderMeta = cloneBytes(data[off : off+msize])
	off += msize
	m.Entries = make([]GossipEntry, 0, count)
	for i := 0; i < count; i++ {
		id, n, err := node.Decode(data[off:])
		if err != nil {
			return GossipMsg{}, err
		}
		off += n
		age := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		m.Entries = append(m.Entries, GossipEntry{ID: id, Age: age, Meta: cloneBytes(data[off : off+msize])})
		off += msize
	}
	return m, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
