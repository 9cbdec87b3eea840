// Package peer holds the peer-selection engines that build a node's
// neighbourhood: a random peer sampler used to bootstrap the overlay and a
// ranked (TMan style) engine that converges towards preferred neighbours.
//
// Engines are driven by a single control loop and are not safe for
// concurrent use.
package peer

import (
	"errors"

	"peerstreamer/internal/node"
)

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrDuplicatePeer = errors.New("duplicate peer")
	ErrSelf          = errors.New("peer is the local node")
	ErrMetadataSize  = errors.New("metadata size mismatch")
	ErrBadSize       = errors.New("invalid neighbourhood size change")
)

// Engine is the capability surface the topology controller drives.
type Engine interface {
	ChangeMetadata(meta []byte) error
	AddPeer(id node.ID, meta []byte) error
	RemovePeer(id node.ID) error
	Grow(n int) error
	Shrink(n int) error
	// Parse handles one inbound message; a nil buf is a periodic tick.
	// boot carries candidates discovered by another engine and may be nil.
	Parse(buf []byte, boot *Bootstrap) error
	Cache() []node.ID
	// Metadata returns the metadata of every Cache entry, concatenated in
	// the same order, and the per-entry size.
	Metadata() ([]byte, int)
	NeighbourhoodSize() int
}

// Bootstrap is a candidate set handed from the sampler to the ranked engine.
type Bootstrap struct {
	IDs          []node.ID
	Metadata     []byte
	MetadataSize int
}

// Meta returns the metadata of the i-th candidate.
func (b *Bootstrap) Meta(i int) []byte {
	if b == nil || b.MetadataSize <= 0 {
		return nil
	}
	start := i * b.MetadataSize
	end := start + b.MetadataSize
	if start < 0 || end > len(b.Metadata) {
		return nil
	}
	return b.Metadata[start:end]
}

// Sender is the part of the transport the engines use.
type Sender interface {
	Send(to node.ID, buf []byte) (int, error)
}
