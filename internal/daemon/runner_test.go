package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peerstreamer/internal/chunkiser"
	"peerstreamer/internal/config"
	"peerstreamer/internal/metrics"
	"peerstreamer/internal/network"
	"peerstreamer/internal/node"
	"peerstreamer/internal/peer"
	"peerstreamer/internal/proto"
	"peerstreamer/internal/store"
	"peerstreamer/internal/testutil"
	"peerstreamer/internal/topology"
)

type testNode struct {
	tr      *network.Transport
	ctl     *topology.Controller
	runner  *Runner
	metrics *metrics.Metrics
}

func newTestNode(t *testing.T, threshold int, opts Options) *testNode {
	t.Helper()
	m := metrics.New()
	tr, err := network.Open("127.0.0.1", 0, network.Options{Metrics: m})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	ctl := topology.New(
		peer.NewSampler(tr.ID(), tr, peer.SamplerOptions{}),
		peer.NewRanked(tr.ID(), tr, peer.RankedOptions{}),
		topology.Options{Threshold: threshold, Metrics: m},
	)
	opts.Metrics = m
	return &testNode{tr: tr, ctl: ctl, runner: NewRunner(tr, ctl, opts), metrics: m}
}

// pump handles one inbound message, failing if none arrives in time.
func pump(t *testing.T, n *testNode) {
	t.Helper()
	if got := network.WaitReady(n.tr, nil, 2*time.Second); got != network.TransportReady {
		t.Fatalf("%s: wait=%s", n.tr.ID(), got)
	}
	n.runner.receiveOne()
}

func contains(ids []node.ID, id node.ID) bool {
	for _, x := range ids {
		if x.Equal(id) {
			return true
		}
	}
	return false
}

func TestGossipOverLoopback(t *testing.T) {
	a := newTestNode(t, 2, Options{})
	b := newTestNode(t, 2, Options{})
	if err := a.ctl.AddNeighbour(b.tr.ID(), nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	a.runner.Tick()
	pump(t, b)
	if !contains(b.ctl.Neighbourhood(), a.tr.ID()) {
		t.Fatalf("b did not learn a: %v", b.ctl.Neighbourhood())
	}
	pump(t, a)
	if a.ctl.Phase() != topology.Steady {
		t.Fatalf("a phase=%s counter=%d", a.ctl.Phase(), a.ctl.Counter())
	}

	// Steady tick: a sampler query and a ranked query both go to b.
	a.runner.Tick()
	pump(t, b)
	pump(t, b)
	if b.ctl.Phase() != topology.Steady {
		t.Fatalf("b phase=%s counter=%d", b.ctl.Phase(), b.ctl.Counter())
	}
	if !contains(b.ctl.Neighbourhood(), a.tr.ID()) {
		t.Fatalf("b lost a: %v", b.ctl.Neighbourhood())
	}
	if !contains(a.ctl.Neighbourhood(), b.tr.ID()) {
		t.Fatalf("a lost b: %v", a.ctl.Neighbourhood())
	}
	snap := b.metrics.Snapshot()
	if snap.ParseByType["topology"] == 0 || snap.ParseByType["tman"] == 0 {
		t.Fatalf("parse counters=%v", snap.ParseByType)
	}
}

func TestPushChunkReachesNeighbours(t *testing.T) {
	src, _, err := chunkiser.Open("", 0, config.Tags{"chunkiser": "dummy", "count": "2"})
	if err != nil {
		t.Fatalf("chunkiser: %v", err)
	}
	defer src.Close()
	var got []proto.ChunkMsg
	a := newTestNode(t, 5, Options{Source: src})
	b := newTestNode(t, 5, Options{OnChunk: func(from node.ID, m proto.ChunkMsg) {
		m.Payload = append([]byte(nil), m.Payload...)
		got = append(got, m)
	}})
	if err := a.ctl.AddNeighbour(b.tr.ID(), nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	for i := 0; i < 2; i++ {
		if n := a.runner.PushChunk(); n != 1 {
			t.Fatalf("push %d reached %d", i, n)
		}
		pump(t, b)
	}
	if n := a.runner.PushChunk(); n != 0 {
		t.Fatalf("push after end reached %d", n)
	}
	if len(got) != 2 || got[1].ID != 1 || string(got[1].Payload) != "chunk 1" {
		t.Fatalf("chunks=%+v", got)
	}
	if a.metrics.Snapshot().Chunks.Pushed != 2 || b.metrics.Snapshot().Chunks.Received != 2 {
		t.Fatalf("chunk metrics a=%+v b=%+v", a.metrics.Snapshot().Chunks, b.metrics.Snapshot().Chunks)
	}
}

func TestDispatchRoutes(t *testing.T) {
	var other [][]byte
	n := newTestNode(t, 5, Options{OnMessage: func(_ node.ID, msg []byte) {
		other = append(other, append([]byte(nil), msg...))
	}})
	from := n.tr.ID()

	n.runner.Dispatch(from, nil)
	n.runner.Dispatch(from, []byte{proto.MsgTypeSignalling, 9})
	n.runner.Dispatch(from, []byte{proto.MsgTypeChunk, 1})
	n.runner.Dispatch(from, []byte{proto.MsgTypeTopology})

	if len(other) != 1 || other[0][1] != 9 {
		t.Fatalf("other=%v", other)
	}
	snap := n.metrics.Snapshot()
	if snap.Topology.ParseFail != 2 {
		t.Fatalf("parse fail=%d want 2", snap.Topology.ParseFail)
	}
	if snap.ParseByType["signalling"] != 1 {
		t.Fatalf("parse by type=%v", snap.ParseByType)
	}
}

func TestRunTicksAndStops(t *testing.T) {
	n := newTestNode(t, 5, Options{Tick: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.runner.Run(ctx) }()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return n.metrics.Snapshot().Topology.Ticks >= 3
	}, "runner did not tick")
	cancel()
	var err error
	testutil.WithTimeout(t, 2*time.Second, func() { err = <-done })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run err=%v", err)
	}
	if n.ctl.Counter() < 3 {
		t.Fatalf("counter=%d", n.ctl.Counter())
	}
}

func TestRunSnapshots(t *testing.T) {
	n := newTestNode(t, 5, Options{})
	path := filepath.Join(t.TempDir(), "metrics.json")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.runner.RunSnapshots(ctx, path, 10*time.Millisecond) }()
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, err := metrics.ReadSnapshot(path)
		return err == nil
	}, "no snapshot written")
	cancel()
	testutil.WithTimeout(t, 2*time.Second, func() { <-done })
	snap, err := metrics.ReadSnapshot(path)
	if err != nil || snap.Instance != n.metrics.Instance() {
		t.Fatalf("snapshot=%+v err=%v", snap, err)
	}
}

func TestPeerBookRoundTrip(t *testing.T) {
	a := newTestNode(t, 5, Options{})
	b := newTestNode(t, 5, Options{})
	if err := a.ctl.ChangeMetadata([]byte{0, 0, 0, 7}); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if err := a.ctl.AddNeighbour(b.tr.ID(), []byte{0, 0, 0, 9}); err != nil {
		t.Fatalf("add: %v", err)
	}
	book := store.NewPeerBook(filepath.Join(t.TempDir(), "peers.jsonl"))
	if err := a.runner.SaveNeighbourhood(book); err != nil {
		t.Fatalf("save: %v", err)
	}

	c := newTestNode(t, 5, Options{})
	n, err := LoadBootstrap(book, c.ctl, 0)
	if err != nil || n != 1 {
		t.Fatalf("load n=%d err=%v", n, err)
	}
	if !contains(c.ctl.Neighbourhood(), b.tr.ID()) {
		t.Fatalf("neighbourhood=%v", c.ctl.Neighbourhood())
	}
	meta, size := c.ctl.Metadata()
	if size != 4 || meta[3] != 9 {
		t.Fatalf("metadata=%x size=%d", meta, size)
	}
}

func TestAddPeers(t *testing.T) {
	n := newTestNode(t, 5, Options{})
	added, err := AddPeers(n.ctl, "10.0.0.1:7000, bogus,10.0.0.2:7000,10.0.0.1:7000", 4)
	if added != 2 {
		t.Fatalf("added=%d", added)
	}
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err=%v", err)
	}
	if _, size := n.ctl.Metadata(); size != 4 {
		t.Fatalf("metadata size=%d", size)
	}
}

type recordSender struct {
	msgs [][]byte
}

func (s *recordSender) Send(_ node.ID, buf []byte) (int, error) {
	s.msgs = append(s.msgs, append([]byte(nil), buf...))
	return len(buf), nil
}

func TestApplyMetadataReachesRankedGossip(t *testing.T) {
	self, err := node.Parse("10.0.0.1:7000")
	if err != nil {
		t.Fatalf("self: %v", err)
	}
	other, err := node.Parse("10.0.0.2:7000")
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	tx := &recordSender{}
	ctl := topology.New(
		peer.NewSampler(self, tx, peer.SamplerOptions{}),
		peer.NewRanked(self, tx, peer.RankedOptions{}),
		topology.Options{Threshold: 2},
	)
	own := []byte{0, 0, 0, 42}
	if err := ApplyMetadata(ctl, own); err != nil {
		t.Fatalf("apply: %v", err)
	}
	own[3] = 0
	if err := ctl.AddNeighbour(other, []byte{0, 0, 0, 7}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ctl.ParseInbound(nil); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if ctl.Phase() != topology.Steady {
		t.Fatalf("phase=%s", ctl.Phase())
	}
	ranked := 0
	for _, msg := range tx.msgs {
		if msg[0] != proto.MsgTypeTMan {
			continue
		}
		m, err := proto.DecodeGossipMsg(msg, proto.MsgTypeTMan)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(m.SenderMeta) != string([]byte{0, 0, 0, 42}) {
			t.Fatalf("ranked gossip sender meta=%v", m.SenderMeta)
		}
		ranked++
	}
	if ranked == 0 {
		t.Fatalf("no ranked gossip sent in %d messages", len(tx.msgs))
	}
}

func TestApplyMetadataEmptyIsNoop(t *testing.T) {
	n := newTestNode(t, 5, Options{})
	if err := ApplyMetadata(n.ctl, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, size := n.ctl.Metadata(); size != 0 {
		t.Fatalf("metadata size=%d", size)
	}
}
