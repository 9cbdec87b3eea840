// Package daemon runs the node's control loop: it waits on the transport,
// feeds inbound gossip to the topology controller, ticks it periodically and
// optionally pushes chunks from a local source to the neighbourhood.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"peerstreamer/internal/chunkiser"
	"peerstreamer/internal/debuglog"
	"peerstreamer/internal/metrics"
	"peerstreamer/internal/network"
	"peerstreamer/internal/node"
	"peerstreamer/internal/proto"
	"peerstreamer/internal/topology"
)

const (
	DefaultTick        = time.Second
	defaultLogInterval = 5 * time.Second
)

// ChunkSource is satisfied by *chunkiser.InputStream.
type ChunkSource interface {
	Chunkise(id int) (chunkiser.Chunk, error)
}

type Options struct {
	Tick    time.Duration
	Metrics *metrics.Metrics

	Source      ChunkSource
	ChunkPeriod time.Duration

	// OnChunk sees every decoded chunk message. Payload aliases the receive
	// buffer and is only valid during the call.
	OnChunk func(from node.ID, m proto.ChunkMsg)
	// OnMessage gets messages whose tag is neither gossip nor chunk.
	OnMessage func(from node.ID, msg []byte)

	// RecvLimit caps gossip messages accepted per sender per RecvWindow.
	// Zero disables the limit.
	RecvLimit  int
	RecvWindow time.Duration
}

type Runner struct {
	tr      *network.Transport
	ctl     *topology.Controller
	metrics *metrics.Metrics

	tick        time.Duration
	source      ChunkSource
	chunkPeriod time.Duration
	chunkID     int
	onChunk     func(node.ID, proto.ChunkMsg)
	onMessage   func(node.ID, []byte)
	limiter     *rateLimiter

	buf []byte
}

func NewRunner(tr *network.Transport, ctl *topology.Controller, opts Options) *Runner {
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	period := opts.ChunkPeriod
	if period <= 0 {
		period = chunkiser.DefaultPeriod
	}
	return &Runner{
		tr:          tr,
		ctl:         ctl,
		metrics:     opts.Metrics,
		tick:        tick,
		source:      opts.Source,
		chunkPeriod: period,
		onChunk:     opts.OnChunk,
		onMessage:   opts.OnMessage,
		limiter:     newRateLimiter(opts.RecvLimit, opts.RecvWindow),
		buf:         make([]byte, network.MaxMessage),
	}
}

// Run drives the loop until ctx is done and returns ctx.Err(). Per-message
// failures are logged and counted, never returned.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.tr == nil || r.ctl == nil {
		return fmt.Errorf("missing runner")
	}
	wake, stop, err := wakeOnDone(ctx)
	if err != nil {
		return err
	}
	defer stop()

	now := time.Now()
	nextTick := now.Add(r.tick)
	nextChunk := now.Add(r.chunkPeriod)
	extras := make([]int, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline := nextTick
		if r.source != nil && nextChunk.Before(deadline) {
			deadline = nextChunk
		}
		extras[0] = wake
		switch network.WaitReady(r.tr, extras, time.Until(deadline)) {
		case network.TransportReady:
			r.receiveOne()
		case network.ExtrasReady:
			continue
		}

		now = time.Now()
		if !now.Before(nextTick) {
			r.Tick()
			nextTick = now.Add(r.tick)
		}
		if r.source != nil && !now.Before(nextChunk) {
			r.PushChunk()
			nextChunk = now.Add(r.chunkPeriod)
		}
	}
}

// wakeOnDone returns a descriptor that turns readable once ctx is done.
func wakeOnDone(ctx context.Context) (int, func(), error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return -1, nil, err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_, _ = pw.Write([]byte{0})
		case <-done:
		}
	}()
	stop := func() {
		close(done)
		_ = pw.Close()
		_ = pr.Close()
	}
	return int(pr.Fd()), stop, nil
}

func (r *Runner) receiveOne() {
	from, n, err := r.tr.Receive(r.buf)
	if err != nil {
		debuglog.RateLimitedf("runner-recv", defaultLogInterval, "runner receive failed: %v", err)
		return
	}
	r.Dispatch(from, r.buf[:n])
}

// Dispatch routes one reassembled message on its tag.
func (r *Runner) Dispatch(from node.ID, msg []byte) {
	tag, ok := proto.Type(msg)
	if !ok {
		debuglog.Debugf("runner drop empty message from=%s", from)
		return
	}
	switch tag {
	case proto.MsgTypeTopology, proto.MsgTypeTMan:
		if !r.limiter.Allow(from, time.Now()) {
			r.metrics.IncRateLimited()
			debuglog.RateLimitedf("runner-limit", defaultLogInterval, "runner rate limited %s from=%s", proto.TypeName(tag), from)
			return
		}
		if err := r.ctl.ParseInbound(msg); err != nil {
			debuglog.RateLimitedf("runner-parse", defaultLogInterval, "runner parse %s from=%s: %v", proto.TypeName(tag), from, err)
		}
	case proto.MsgTypeChunk:
		m, err := proto.DecodeChunkMsg(msg)
		if err != nil {
			r.metrics.IncParseFail()
			debuglog.RateLimitedf("runner-chunk", defaultLogInterval, "runner bad chunk from=%s: %v", from, err)
			return
		}
		r.metrics.IncChunkReceived()
		r.metrics.IncParseByType(proto.TypeName(tag))
		if r.onChunk != nil {
			r.onChunk(from, m)
		}
	default:
		r.metrics.IncParseByType(proto.TypeName(tag))
		if r.onMessage != nil {
			r.onMessage(from, msg)
		}
	}
}

// Tick runs one gossip round.
func (r *Runner) Tick() {
	r.metrics.IncTick()
	if err := r.ctl.ParseInbound(nil); err != nil {
		debuglog.RateLimitedf("runner-tick", defaultLogInterval, "runner tick: %v", err)
	}
	n := r.ctl.Neighbourhood()
	debuglog.Debugf("runner tick phase=%s counter=%d neighbours=%d", r.ctl.Phase(), r.ctl.Counter(), len(n))
}

// PushChunk reads the next chunk and sends it to every neighbour. It returns
// the number of neighbours reached. At the end of the source the source is
// dropped.
func (r *Runner) PushChunk() int {
	if r.source == nil {
		return 0
	}
	c, err := r.source.Chunkise(r.chunkID)
	switch {
	case errors.Is(err, io.EOF):
		debuglog.Logf("runner chunk source finished after %d chunks", r.chunkID)
		r.source = nil
		return 0
	case errors.Is(err, chunkiser.ErrNoChunk):
		return 0
	case err != nil:
		debuglog.RateLimitedf("runner-chunkise", defaultLogInterval, "runner chunkise %d: %v", r.chunkID, err)
		return 0
	}
	r.chunkID++
	msg := proto.EncodeChunkMsg(proto.ChunkMsg{ID: uint32(c.ID), Timestamp: c.Timestamp, Payload: c.Data})
	sent := 0
	for _, to := range r.ctl.Neighbourhood() {
		if _, err := r.tr.Send(to, msg); err != nil {
			debuglog.RateLimitedf("runner-push", defaultLogInterval, "runner push chunk %d to=%s: %v", c.ID, to, err)
			continue
		}
		sent++
		r.metrics.IncChunkPushed()
	}
	return sent
}

// RunSnapshots writes a metrics snapshot to path every interval and once more
// when ctx is done. It only reads metrics, so it may run beside Run.
func (r *Runner) RunSnapshots(ctx context.Context, path string, interval time.Duration) error {
	if r.metrics == nil || path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = r.metrics.WriteSnapshot(path)
			return ctx.Err()
		case <-ticker.C:
			if err := r.metrics.WriteSnapshot(path); err != nil {
				debuglog.RateLimitedf("runner-snapshot", defaultLogInterval, "runner snapshot %s: %v", path, err)
			}
		}
	}
}
