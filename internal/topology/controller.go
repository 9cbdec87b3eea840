// Package topology decides which peer-selection engine owns the node's
// neighbourhood.
//
// A node starts in the Bootstrap phase, where the random sampler is
// authoritative. Every topology-sampling message (or tick) parsed while
// bootstrapping advances a warm-up counter; once it reaches the threshold the
// controller is Steady and the ranked engine takes over mutations, seeded on
// every ranked round with the sampler's cache. There is no way back.
//
// Reads follow a separate gate: the ranked engine answers Neighbourhood and
// Metadata as soon as it reports a non-empty view, whatever the counter says.
package topology

import (
	"errors"
	"fmt"

	"peerstreamer/internal/debuglog"
	"peerstreamer/internal/metrics"
	"peerstreamer/internal/node"
	"peerstreamer/internal/peer"
	"peerstreamer/internal/proto"
)

const DefaultThreshold = 5

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrUnknownMessage = errors.New("unknown message type")
)

type Phase int

const (
	Bootstrap Phase = iota
	Steady
)

func (p Phase) String() string {
	if p == Steady {
		return "steady"
	}
	return "bootstrap"
}

type Options struct {
	Threshold     int
	Metrics       *metrics.Metrics
	OnPhaseChange func(Phase)
}

// Controller is driven by a single control loop and is not safe for
// concurrent use.
type Controller struct {
	rps       peer.Engine
	ranked    peer.Engine
	threshold int
	counter   int
	metrics   *metrics.Metrics
	onPhase   []func(Phase)
}

func New(rps, ranked peer.Engine, opts Options) *Controller {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	c := &Controller{
		rps:       rps,
		ranked:    ranked,
		threshold: threshold,
		metrics:   opts.Metrics,
	}
	c.AddPhaseHook(opts.OnPhaseChange)
	return c
}

// AddPhaseHook registers fn to run on the switch to Steady, after the
// counter moved and before the ranked engine sees the triggering message.
// Hooks run in registration order and may call back into the controller.
func (c *Controller) AddPhaseHook(fn func(Phase)) {
	if fn != nil {
		c.onPhase = append(c.onPhase, fn)
	}
}

func (c *Controller) Phase() Phase {
	if c.counter >= c.threshold {
		return Steady
	}
	return Bootstrap
}

func (c *Controller) Counter() int {
	return c.counter
}

func (c *Controller) Threshold() int {
	return c.threshold
}

// owner is the engine that receives mutations in the current phase.
func (c *Controller) owner() peer.Engine {
	if c.counter < c.threshold {
		return c.rps
	}
	return c.ranked
}

// ChangeMetadata always updates the sampler; in the steady phase the ranked
// engine is updated too and its result is the one returned.
func (c *Controller) ChangeMetadata(meta []byte) error {
	err := c.rps.ChangeMetadata(meta)
	if c.counter >= c.threshold {
		return c.ranked.ChangeMetadata(meta)
	}
	return err
}

// AddNeighbour goes to the sampler while bootstrapping, to the ranked
// engine afterwards, never to both.
func (c *Controller) AddNeighbour(id node.ID, meta []byte) error {
	return c.owner().AddPeer(id, meta)
}

func (c *Controller) RemoveNeighbour(id node.ID) error {
	return c.owner().RemovePeer(id)
}

func (c *Controller) GrowNeighbourhood(n int) error {
	return c.owner().Grow(n)
}

func (c *Controller) ShrinkNeighbourhood(n int) error {
	return c.owner().Shrink(n)
}

// ParseInbound dispatches one message on its leading tag. A nil buf is a
// periodic tick and counts as both a topology-sampling and a ranked-gossip
// message, in that order. When both engines run, the ranked result wins.
func (c *Controller) ParseInbound(buf []byte) error {
	if buf != nil && len(buf) == 0 {
		return ErrEmptyMessage
	}
	tick := buf == nil
	var tag byte
	if !tick {
		tag = buf[0]
	}
	ran := false
	var err error
	if tick || tag == proto.MsgTypeTopology {
		err = c.rps.Parse(buf, nil)
		ran = true
		c.metrics.IncParseByType(proto.TypeName(proto.MsgTypeTopology))
		c.advance()
	}
	if c.counter >= c.threshold && (tick || tag == proto.MsgTypeTMan) {
		ids := c.rps.Cache()
		data, size := c.rps.Metadata()
		err = c.ranked.Parse(buf, &peer.Bootstrap{IDs: ids, Metadata: data, MetadataSize: size})
		ran = true
		c.metrics.IncParseByType(proto.TypeName(proto.MsgTypeTMan))
	}
	if !ran {
		if tag == proto.MsgTypeTMan {
			// Ranked gossip before the warm-up completes is dropped.
			debuglog.Debugf("topology drop tman message counter=%d threshold=%d", c.counter, c.threshold)
			return nil
		}
		return fmt.Errorf("%w: %#x", ErrUnknownMessage, tag)
	}
	if err != nil {
		c.metrics.IncParseFail()
	}
	return err
}

// advance bumps the warm-up counter while it is at most the threshold, so it
// settles at threshold+1.
func (c *Controller) advance() {
	if c.counter > c.threshold {
		return
	}
	before := c.Phase()
	c.counter++
	if after := c.Phase(); after != before {
		debuglog.Logf("topology phase %s -> %s counter=%d", before, after, c.counter)
		c.metrics.RecordPhase(after.String(), c.counter)
		for _, fn := range c.onPhase {
			fn(after)
		}
	}
}

// authority is the engine answering reads: the ranked one once it reports
// any neighbour.
func (c *Controller) authority() peer.Engine {
	if c.ranked.NeighbourhoodSize() > 0 {
		return c.ranked
	}
	return c.rps
}

func (c *Controller) Neighbourhood() []node.ID {
	ids := c.authority().Cache()
	c.metrics.SetNeighbours(len(ids))
	return ids
}

func (c *Controller) Metadata() ([]byte, int) {
	return c.authority().Metadata()
}
