package peer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"peerstreamer/internal/debuglog"
	"peerstreamer/internal/node"
	"peerstreamer/internal/proto"
)

// Candidate is a peer as seen by a RankFunc.
type Candidate struct {
	ID   node.ID
	Meta []byte
}

// RankFunc orders two candidates from the point of view of self: negative
// when a is preferred over b.
type RankFunc func(self, a, b Candidate) int

// DefaultRank prefers candidates whose leading metadata word (big-endian
// uint32) is closest to our own, then the smallest fingerprint distance.
func DefaultRank(self, a, b Candidate) int {
	mine := leadingWord(self.Meta)
	da, db := absDiff(mine, leadingWord(a.Meta)), absDiff(mine, leadingWord(b.Meta))
	switch {
	case da < db:
		return -1
	case da > db:
		return 1
	}
	fs, fa, fb := self.ID.Fingerprint(), a.ID.Fingerprint(), b.ID.Fingerprint()
	for i := range fs {
		fa[i] ^= fs[i]
		fb[i] ^= fs[i]
	}
	return bytes.Compare(fa[:], fb[:])
}

func leadingWord(meta []byte) uint32 {
	var word [4]byte
	copy(word[:], meta)
	return binary.BigEndian.Uint32(word[:])
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

type RankedOptions struct {
	ViewSize int
	// Psi is how many of the best ranked peers a gossip target is drawn from.
	Psi  int
	Rank RankFunc
	Rand *rand.Rand
}

// Ranked keeps the ViewSize best peers according to Rank. Each tick it folds
// the bootstrap candidates into its view and gossips the view to one of its
// Psi best peers; merged answers are re-ranked and truncated.
type Ranked struct {
	self       node.ID
	tx         Sender
	meta       []byte
	view       *Cache
	size       int
	psi        int
	rank       RankFunc
	rng        *rand.Rand
	ranked     []node.ID
	rankedMeta []byte
}

var _ Engine = (*Ranked)(nil)

func NewRanked(self node.ID, tx Sender, opts RankedOptions) *Ranked {
	size := opts.ViewSize
	if size <= 0 {
		size = DefaultViewSize
	}
	psi := opts.Psi
	if psi <= 0 {
		psi = (size + 1) / 2
	}
	rank := opts.Rank
	if rank == nil {
		rank = DefaultRank
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Ranked{
		self: self,
		tx:   tx,
		view: NewCache(0),
		size: size,
		psi:  psi,
		rank: rank,
		rng:  rng,
	}
}

func (r *Ranked) ChangeMetadata(meta []byte) error {
	if err := r.view.checkMeta(meta); err != nil {
		return err
	}
	r.meta = cloneMeta(meta)
	r.rerank()
	return nil
}

func (r *Ranked) AddPeer(id node.ID, meta []byte) error {
	if id.Equal(r.self) {
		return ErrSelf
	}
	if r.view.Has(id) {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	if _, err := r.view.Add(id, meta, 0); err != nil {
		return err
	}
	r.rerank()
	return nil
}

func (r *Ranked) RemovePeer(id node.ID) error {
	if !r.view.Remove(id) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	r.rerank()
	return nil
}

func (r *Ranked) Grow(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: grow by %d", ErrBadSize, n)
	}
	r.size += n
	r.rerank()
	return nil
}

func (r *Ranked) Shrink(n int) error {
	if n <= 0 || n >= r.size {
		return fmt.Errorf("%w: shrink by %d from %d", ErrBadSize, n, r.size)
	}
	r.size -= n
	r.rerank()
	return nil
}

// Cache returns the view, best ranked first.
func (r *Ranked) Cache() []node.ID {
	out := make([]node.ID, len(r.ranked))
	copy(out, r.ranked)
	return out
}

func (r *Ranked) Metadata() ([]byte, int) {
	size := r.view.metaSize
	if size < 0 {
		size = 0
	}
	return cloneMeta(r.rankedMeta), size
}

func (r *Ranked) NeighbourhoodSize() int {
	return len(r.ranked)
}

func (r *Ranked) Parse(buf []byte, boot *Bootstrap) error {
	if err := r.mergeBootstrap(boot); err != nil {
		return err
	}
	if buf == nil {
		return r.gossip()
	}
	m, err := proto.DecodeGossipMsg(buf, proto.MsgTypeTMan)
	if err != nil {
		return err
	}
	if m.Kind == proto.GossipQuery {
		if err := r.send(m.Sender, proto.GossipReply); err != nil {
			return err
		}
	}
	if !m.Sender.Equal(r.self) {
		if _, err := r.view.Add(m.Sender, m.SenderMeta, 0); err != nil {
			return err
		}
	}
	for _, e := range m.Entries {
		if e.ID.Equal(r.self) {
			continue
		}
		if _, err := r.view.Add(e.ID, e.Meta, e.Age+1); err != nil {
			return err
		}
	}
	r.rerank()
	return nil
}

func (r *Ranked) mergeBootstrap(boot *Bootstrap) error {
	if boot == nil || len(boot.IDs) == 0 {
		return nil
	}
	for i, id := range boot.IDs {
		if id.Equal(r.self) || r.view.Has(id) {
			continue
		}
		if _, err := r.view.Add(id, boot.Meta(i), 0); err != nil {
			return err
		}
	}
	r.rerank()
	return nil
}

func (r *Ranked) gossip() error {
	if len(r.ranked) == 0 {
		debuglog.Debugf("ranked tick self=%s: empty view", r.self)
		return nil
	}
	r.view.Age()
	best := r.psi
	if best > len(r.ranked) {
		best = len(r.ranked)
	}
	return r.send(r.ranked[r.rng.Intn(best)], proto.GossipQuery)
}

func (r *Ranked) send(to node.ID, kind byte) error {
	data, err := proto.EncodeGossipMsg(proto.GossipMsg{
		Tag:        proto.MsgTypeTMan,
		Kind:       kind,
		Sender:     r.self,
		SenderMeta: r.ownMeta(),
		Entries:    r.view.Youngest(proto.MaxGossipEntries),
	})
	if err != nil {
		return err
	}
	if _, err := r.tx.Send(to, data); err != nil {
		return fmt.Errorf("ranked send to %s: %w", to, err)
	}
	return nil
}

func (r *Ranked) ownMeta() []byte {
	if r.meta == nil && r.view.metaSize > 0 {
		return make([]byte, r.view.metaSize)
	}
	return r.meta
}

// rerank sorts the view, drops everything past size and refreshes the
// cached ranked order.
func (r *Ranked) rerank() {
	entries := r.view.Entries()
	self := Candidate{ID: r.self, Meta: r.ownMeta()}
	sort.SliceStable(entries, func(i, j int) bool {
		return r.rank(self, Candidate{ID: entries[i].ID, Meta: entries[i].Meta}, Candidate{ID: entries[j].ID, Meta: entries[j].Meta}) < 0
	})
	if len(entries) > r.size {
		for _, e := range entries[r.size:] {
			r.view.Remove(e.ID)
		}
		entries = entries[:r.size]
	}
	r.ranked = r.ranked[:0]
	r.rankedMeta = r.rankedMeta[:0]
	for _, e := range entries {
		r.ranked = append(r.ranked, e.ID)
		r.rankedMeta = append(r.rankedMeta, e.Meta...)
	}
}
