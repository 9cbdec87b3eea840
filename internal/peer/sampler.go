package peer

import (
	"fmt"
	"math/rand"
	"time"

	"peerstreamer/internal/debuglog"
	"peerstreamer/internal/node"
	"peerstreamer/internal/proto"
)

type SamplerOptions struct {
	CacheSize int
	Rand      *rand.Rand
}

// Sampler is a newscast style random peer sampler. Every tick it ages its
// cache and pushes the cache, plus itself, to a random cache member; the
// receiver answers with its own cache and both keep the youngest entries.
type Sampler struct {
	self  node.ID
	tx    Sender
	meta  []byte
	cache *Cache
	rng   *rand.Rand
}

var _ Engine = (*Sampler)(nil)

func NewSampler(self node.ID, tx Sender, opts SamplerOptions) *Sampler {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sampler{
		self:  self,
		tx:    tx,
		cache: NewCache(size),
		rng:   rng,
	}
}

func (s *Sampler) ChangeMetadata(meta []byte) error {
	if err := s.cache.checkMeta(meta); err != nil {
		return err
	}
	s.meta = cloneMeta(meta)
	return nil
}

func (s *Sampler) AddPeer(id node.ID, meta []byte) error {
	if id.Equal(s.self) {
		return ErrSelf
	}
	if s.cache.Has(id) {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	_, err := s.cache.Add(id, meta, 0)
	return err
}

func (s *Sampler) RemovePeer(id node.ID) error {
	if !s.cache.Remove(id) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return nil
}

func (s *Sampler) Grow(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: grow by %d", ErrBadSize, n)
	}
	s.cache.Resize(s.cache.Cap() + n)
	return nil
}

func (s *Sampler) Shrink(n int) error {
	if n <= 0 || n >= s.cache.Cap() {
		return fmt.Errorf("%w: shrink by %d from %d", ErrBadSize, n, s.cache.Cap())
	}
	s.cache.Resize(s.cache.Cap() - n)
	return nil
}

func (s *Sampler) Cache() []node.ID {
	return s.cache.IDs()
}

func (s *Sampler) Metadata() ([]byte, int) {
	return s.cache.Metadata()
}

func (s *Sampler) NeighbourhoodSize() int {
	return s.cache.Len()
}

// Parse ignores boot: the sampler discovers peers on its own.
func (s *Sampler) Parse(buf []byte, _ *Bootstrap) error {
	if buf == nil {
		return s.gossip()
	}
	m, err := proto.DecodeGossipMsg(buf, proto.MsgTypeTopology)
	if err != nil {
		return err
	}
	if m.Kind == proto.GossipQuery {
		if err := s.send(m.Sender, proto.GossipReply); err != nil {
			return err
		}
	}
	return s.merge(m)
}

func (s *Sampler) gossip() error {
	s.cache.Age()
	target, ok := s.cache.Random(s.rng)
	if !ok {
		debuglog.Debugf("sampler tick self=%s: empty cache", s.self)
		return nil
	}
	return s.send(target, proto.GossipQuery)
}

func (s *Sampler) send(to node.ID, kind byte) error {
	data, err := proto.EncodeGossipMsg(proto.GossipMsg{
		Tag:        proto.MsgTypeTopology,
		Kind:       kind,
		Sender:     s.self,
		SenderMeta: s.ownMeta(),
		Entries:    s.cache.Youngest(proto.MaxGossipEntries),
	})
	if err != nil {
		return err
	}
	if _, err := s.tx.Send(to, data); err != nil {
		return fmt.Errorf("sampler send to %s: %w", to, err)
	}
	return nil
}

// ownMeta pads the local metadata to the pinned size when none was set.
func (s *Sampler) ownMeta() []byte {
	if s.meta == nil && s.cache.metaSize > 0 {
		return make([]byte, s.cache.metaSize)
	}
	return s.meta
}

func (s *Sampler) merge(m proto.GossipMsg) error {
	if !m.Sender.Equal(s.self) {
		if _, err := s.cache.Add(m.Sender, m.SenderMeta, 0); err != nil {
			return err
		}
	}
	for _, e := range m.Entries {
		if e.ID.Equal(s.self) {
			continue
		}
		if _, err := s.cache.Add(e.ID, e.Meta, e.Age+1); err != nil {
			return err
		}
	}
	return nil
}
