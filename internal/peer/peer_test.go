package peer

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"peerstreamer/internal/node"
	"peerstreamer/internal/proto"
)

type sent struct {
	to   node.ID
	data []byte
}

type captureSender struct {
	out []sent
	err error
}

func (c *captureSender) Send(to node.ID, buf []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	c.out = append(c.out, sent{to: to, data: data})
	return len(buf), nil
}

func (c *captureSender) last(t *testing.T, tag byte) proto.GossipMsg {
	t.Helper()
	if len(c.out) == 0 {
		t.Fatalf("nothing sent")
	}
	m, err := proto.DecodeGossipMsg(c.out[len(c.out)-1].data, tag)
	if err != nil {
		t.Fatalf("decode sent message: %v", err)
	}
	return m
}

func id(t *testing.T, n int) node.ID {
	t.Helper()
	v, err := node.New(fmt.Sprintf("10.0.0.%d", n), 6000+n)
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	return v
}

func meta(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestCacheKeepsYoungestAndEvictsOldest(t *testing.T) {
	c := NewCache(2)
	if _, err := c.Add(id(t, 1), nil, 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := c.Add(id(t, 2), nil, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if changed, _ := c.Add(id(t, 1), nil, 9); changed {
		t.Fatalf("older copy must not replace a younger one")
	}
	if changed, _ := c.Add(id(t, 3), nil, 0); !changed {
		t.Fatalf("expected youngest entry to be added")
	}
	if c.Len() != 2 || c.Has(id(t, 1)) {
		t.Fatalf("expected oldest entry evicted, have %v", c.IDs())
	}
	ids := c.IDs()
	if !ids[0].Equal(id(t, 3)) || !ids[1].Equal(id(t, 2)) {
		t.Fatalf("expected youngest first, got %v", ids)
	}
	if changed, _ := c.Add(id(t, 4), nil, 10); changed {
		t.Fatalf("entry older than a full cache must be dropped")
	}
}

func TestCachePinsMetadataSize(t *testing.T) {
	c := NewCache(0)
	if _, err := c.Add(id(t, 1), meta(1), 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := c.Add(id(t, 2), []byte{1}, 0); !errors.Is(err, ErrMetadataSize) {
		t.Fatalf("expected metadata size error, got %v", err)
	}
	data, size := c.Metadata()
	if size != 4 || len(data) != 4 {
		t.Fatalf("unexpected metadata %v/%d", data, size)
	}
}

func TestSamplerPeerManagement(t *testing.T) {
	self := id(t, 100)
	s := NewSampler(self, &captureSender{}, SamplerOptions{CacheSize: 3})
	if err := s.AddPeer(self, nil); !errors.Is(err, ErrSelf) {
		t.Fatalf("expected self rejection, got %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := s.AddPeer(id(t, i), nil); err != nil {
			t.Fatalf("add peer %d: %v", i, err)
		}
	}
	if err := s.AddPeer(id(t, 1), nil); !errors.Is(err, ErrDuplicatePeer) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := s.RemovePeer(id(t, 9)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
	if err := s.Shrink(1); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if s.NeighbourhoodSize() != 2 {
		t.Fatalf("expected 2 peers after shrink, got %d", s.NeighbourhoodSize())
	}
	if err := s.Shrink(2); !errors.Is(err, ErrBadSize) {
		t.Fatalf("expected bad size, got %v", err)
	}
	if err := s.Grow(0); !errors.Is(err, ErrBadSize) {
		t.Fatalf("expected bad size, got %v", err)
	}
	if err := s.Grow(5); err != nil {
		t.Fatalf("grow: %v", err)
	}
}

func TestSamplerTickSendsQuery(t *testing.T) {
	tx := &captureSender{}
	self := id(t, 100)
	s := NewSampler(self, tx, SamplerOptions{Rand: rand.New(rand.NewSource(1))})
	if err := s.Parse(nil, nil); err != nil || len(tx.out) != 0 {
		t.Fatalf("tick on empty cache must be quiet: %v", err)
	}
	if err := s.ChangeMetadata(meta(7)); err != nil {
		t.Fatalf("change metadata: %v", err)
	}
	if err := s.AddPeer(id(t, 1), meta(1)); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := s.Parse(nil, nil); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !tx.out[0].to.Equal(id(t, 1)) {
		t.Fatalf("expected query to the only cache member")
	}
	m := tx.last(t, proto.MsgTypeTopology)
	if m.Kind != proto.GossipQuery || !m.Sender.Equal(self) || string(m.SenderMeta) != string(meta(7)) {
		t.Fatalf("unexpected query: %+v", m)
	}
	if len(m.Entries) != 1 || m.Entries[0].Age != 1 {
		t.Fatalf("expected aged cache entry, got %+v", m.Entries)
	}
}

func TestSamplerAnswersQueryAndMerges(t *testing.T) {
	tx := &captureSender{}
	self := id(t, 100)
	s := NewSampler(self, tx, SamplerOptions{})
	query, err := proto.EncodeGossipMsg(proto.GossipMsg{
		Tag:    proto.MsgTypeTopology,
		Kind:   proto.GossipQuery,
		Sender: id(t, 1),
		Entries: []proto.GossipEntry{
			{ID: id(t, 2), Age: 2},
			{ID: self, Age: 0},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.Parse(query, nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tx.out) != 1 || !tx.out[0].to.Equal(id(t, 1)) {
		t.Fatalf("expected a reply to the sender")
	}
	if reply := tx.last(t, proto.MsgTypeTopology); reply.Kind != proto.GossipReply {
		t.Fatalf("expected reply kind")
	}
	cache := s.Cache()
	if len(cache) != 2 || !cache[0].Equal(id(t, 1)) || !cache[1].Equal(id(t, 2)) {
		t.Fatalf("unexpected cache %v", cache)
	}

	reply, _ := proto.EncodeGossipMsg(proto.GossipMsg{Tag: proto.MsgTypeTopology, Kind: proto.GossipReply, Sender: id(t, 3)})
	if err := s.Parse(reply, nil); err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if len(tx.out) != 1 {
		t.Fatalf("replies must not be answered")
	}
	if s.NeighbourhoodSize() != 3 {
		t.Fatalf("expected 3 peers, got %d", s.NeighbourhoodSize())
	}
}

func TestSamplerRejectsForeignMessages(t *testing.T) {
	s := NewSampler(id(t, 100), &captureSender{}, SamplerOptions{})
	msg, _ := proto.EncodeGossipMsg(proto.GossipMsg{Tag: proto.MsgTypeTMan, Kind: proto.GossipQuery, Sender: id(t, 1)})
	if err := s.Parse(msg, nil); !errors.Is(err, proto.ErrWrongType) {
		t.Fatalf("expected wrong type, got %v", err)
	}
}

func TestSamplerSendFailure(t *testing.T) {
	boom := errors.New("boom")
	s := NewSampler(id(t, 100), &captureSender{err: boom}, SamplerOptions{})
	_ = s.AddPeer(id(t, 1), nil)
	if err := s.Parse(nil, nil); !errors.Is(err, boom) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestDefaultRankPrefersCloseMetadata(t *testing.T) {
	self := Candidate{ID: id(t, 100), Meta: meta(50)}
	near := Candidate{ID: id(t, 1), Meta: meta(48)}
	far := Candidate{ID: id(t, 2), Meta: meta(10)}
	if DefaultRank(self, near, far) >= 0 || DefaultRank(self, far, near) <= 0 {
		t.Fatalf("closer metadata must rank first")
	}
	tieA := Candidate{ID: id(t, 3), Meta: meta(52)}
	if DefaultRank(self, near, tieA) == 0 {
		t.Fatalf("ties must be broken by fingerprint")
	}
	if DefaultRank(self, near, near) != 0 {
		t.Fatalf("a candidate ranks equal to itself")
	}
}

func TestRankedBootstrapAndTruncate(t *testing.T) {
	tx := &captureSender{}
	r := NewRanked(id(t, 100), tx, RankedOptions{ViewSize: 2, Rand: rand.New(rand.NewSource(1))})
	if err := r.ChangeMetadata(meta(50)); err != nil {
		t.Fatalf("change metadata: %v", err)
	}
	boot := &Bootstrap{
		IDs:          []node.ID{id(t, 1), id(t, 2), id(t, 3)},
		Metadata:     append(append(meta(10), meta(49)...), meta(55)...),
		MetadataSize: 4,
	}
	if err := r.Parse(nil, boot); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := r.Cache()
	if len(got) != 2 || !got[0].Equal(id(t, 2)) || !got[1].Equal(id(t, 3)) {
		t.Fatalf("unexpected ranked view %v", got)
	}
	data, size := r.Metadata()
	if size != 4 || string(data) != string(append(meta(49), meta(55)...)) {
		t.Fatalf("unexpected ranked metadata %v/%d", data, size)
	}
	if len(tx.out) != 1 {
		t.Fatalf("expected one gossip query, got %d", len(tx.out))
	}
	if to := tx.out[0].to; !to.Equal(id(t, 2)) && !to.Equal(id(t, 3)) {
		t.Fatalf("gossip target must come from the view, got %s", to)
	}
	if m := tx.last(t, proto.MsgTypeTMan); m.Kind != proto.GossipQuery {
		t.Fatalf("expected query")
	}
}

func TestRankedEmptyTickIsQuiet(t *testing.T) {
	tx := &captureSender{}
	r := NewRanked(id(t, 100), tx, RankedOptions{})
	if err := r.Parse(nil, nil); err != nil || len(tx.out) != 0 || r.NeighbourhoodSize() != 0 {
		t.Fatalf("expected quiet tick: %v", err)
	}
}

func TestRankedAnswersQuery(t *testing.T) {
	tx := &captureSender{}
	self := id(t, 100)
	r := NewRanked(self, tx, RankedOptions{ViewSize: 4})
	query, _ := proto.EncodeGossipMsg(proto.GossipMsg{
		Tag:        proto.MsgTypeTMan,
		Kind:       proto.GossipQuery,
		Sender:     id(t, 1),
		SenderMeta: meta(1),
		Entries:    []proto.GossipEntry{{ID: id(t, 2), Meta: meta(2)}, {ID: self, Meta: meta(3)}},
	})
	if err := r.Parse(query, nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tx.out) != 1 || !tx.out[0].to.Equal(id(t, 1)) {
		t.Fatalf("expected reply to sender")
	}
	if r.NeighbourhoodSize() != 2 {
		t.Fatalf("expected sender and one entry in view, got %v", r.Cache())
	}
	if err := r.RemovePeer(id(t, 1)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if r.NeighbourhoodSize() != 1 {
		t.Fatalf("expected one peer after removal")
	}
	if err := r.Shrink(4); !errors.Is(err, ErrBadSize) {
		t.Fatalf("expected bad size, got %v", err)
	}
}

func TestBootstrapMeta(t *testing.T) {
	b := &Bootstrap{Metadata: []byte{1, 2, 3, 4}, MetadataSize: 2}
	if string(b.Meta(1)) != string([]byte{3, 4}) || b.Meta(2) != nil {
		t.Fatalf("unexpected metadata slicing")
	}
	var nilBoot *Bootstrap
	if nilBoot.Meta(0) != nil {
		t.Fatalf("nil bootstrap has no metadata")
	}
}

func manyIDs(t *testing.T, n int) []node.ID {
	t.Helper()
	out := make([]node.ID, 0, n)
	for i := 0; i < n; i++ {
		v, err := node.New(fmt.Sprintf("10.1.%d.%d", i/250, i%250+1), 7000)
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func TestSamplerGossipCapsEntriesAfterGrow(t *testing.T) {
	tx := &captureSender{}
	s := NewSampler(id(t, 100), tx, SamplerOptions{Rand: rand.New(rand.NewSource(1))})
	if err := s.Grow(300); err != nil {
		t.Fatalf("grow: %v", err)
	}
	for _, p := range manyIDs(t, proto.MaxGossipEntries+1) {
		if err := s.AddPeer(p, nil); err != nil {
			t.Fatalf("add peer: %v", err)
		}
	}
	if s.NeighbourhoodSize() != proto.MaxGossipEntries+1 {
		t.Fatalf("cache size=%d", s.NeighbourhoodSize())
	}
	if err := s.Parse(nil, nil); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if m := tx.last(t, proto.MsgTypeTopology); len(m.Entries) != proto.MaxGossipEntries {
		t.Fatalf("entries=%d want %d", len(m.Entries), proto.MaxGossipEntries)
	}
}

func TestRankedGossipCapsEntriesAfterGrow(t *testing.T) {
	tx := &captureSender{}
	r := NewRanked(id(t, 100), tx, RankedOptions{Rand: rand.New(rand.NewSource(1))})
	if err := r.Grow(300); err != nil {
		t.Fatalf("grow: %v", err)
	}
	for _, p := range manyIDs(t, proto.MaxGossipEntries+10) {
		if err := r.AddPeer(p, nil); err != nil {
			t.Fatalf("add peer: %v", err)
		}
	}
	if err := r.Parse(nil, nil); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if m := tx.last(t, proto.MsgTypeTMan); len(m.Entries) != proto.MaxGossipEntries {
		t.Fatalf("entries=%d want %d", len(m.Entries), proto.MaxGossipEntries)
	}
}

func TestCacheYoungest(t *testing.T) {
	c := NewCache(0)
	ids := manyIDs(t, 3)
	for i, p := range ids {
		if _, err := c.Add(p, nil, 3-i); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	got := c.Youngest(2)
	if len(got) != 2 || !got[0].ID.Equal(ids[2]) || got[0].Age != 1 || !got[1].ID.Equal(ids[1]) {
		t.Fatalf("youngest=%+v", got)
	}
	if len(c.Youngest(10)) != 3 || len(c.Youngest(-1)) != 0 {
		t.Fatalf("bounds")
	}
}
