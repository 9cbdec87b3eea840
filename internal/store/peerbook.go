package store

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"peerstreamer/internal/node"
)

// PeerRecord is one line of the peer book.
type PeerRecord struct {
	Addr string    `json:"addr"`
	Meta string    `json:"meta,omitempty"`
	Seen time.Time `json:"seen"`
}

func NewPeerRecord(id node.ID, meta []byte, seen time.Time) PeerRecord {
	return PeerRecord{Addr: id.String(), Meta: hex.EncodeToString(meta), Seen: seen.UTC()}
}

func (r PeerRecord) Peer() (node.ID, []byte, error) {
	id, err := node.Parse(r.Addr)
	if err != nil {
		return node.ID{}, nil, err
	}
	meta, err := hex.DecodeString(r.Meta)
	if err != nil {
		return node.ID{}, nil, fmt.Errorf("peer %s meta: %w", r.Addr, err)
	}
	if len(meta) == 0 {
		meta = nil
	}
	return id, meta, nil
}

// PeerBook remembers neighbours across restarts.
type PeerBook struct {
	path string
}

func NewPeerBook(path string) *PeerBook {
	_ = os.MkdirAll(filepath.Dir(path), 0700)
	return &PeerBook{path: path}
}

func (b *PeerBook) Path() string {
	return b.path
}

func (b *PeerBook) Add(r PeerRecord) error {
	return AppendJSONL(b.path, r)
}

// Save replaces the book with recs.
func (b *PeerBook) Save(recs []PeerRecord) error {
	return RewriteJSONL(b.path, recs)
}

// Load returns the most recent record of each peer, most recently seen
// first, at most limit of them (limit <= 0 means all).
func (b *PeerBook) Load(limit int) ([]PeerRecord, error) {
	recs, err := LoadJSONL[PeerRecord](b.path)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]PeerRecord, len(recs))
	for _, r := range recs {
		if r.Addr == "" {
			continue
		}
		if prev, ok := latest[r.Addr]; ok && prev.Seen.After(r.Seen) {
			continue
		}
		latest[r.Addr] = r
	}
	out := make([]PeerRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Seen.Equal(out[j].Seen) {
			return out[i].Seen.After(out[j].Seen)
		}
		return out[i].Addr < out[j].Addr
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
