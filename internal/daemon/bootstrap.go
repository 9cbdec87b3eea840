package daemon

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"peerstreamer/internal/debuglog"
	"peerstreamer/internal/node"
	"peerstreamer/internal/peer"
	"peerstreamer/internal/store"
	"peerstreamer/internal/topology"
)

// SaveNeighbourhood replaces the peer book with the current neighbourhood.
func (r *Runner) SaveNeighbourhood(book *store.PeerBook) error {
	if book == nil {
		return nil
	}
	ids := r.ctl.Neighbourhood()
	meta, size := r.ctl.Metadata()
	boot := peer.Bootstrap{IDs: ids, Metadata: meta, MetadataSize: size}
	now := time.Now()
	recs := make([]store.PeerRecord, 0, len(ids))
	for i, id := range ids {
		recs = append(recs, store.NewPeerRecord(id, boot.Meta(i), now))
	}
	if err := book.Save(recs); err != nil {
		return err
	}
	debuglog.Logf("saved %d neighbours to %s", len(recs), book.Path())
	return nil
}

// LoadBootstrap adds up to limit remembered peers to the controller. Bad
// records and peers the controller refuses are skipped.
func LoadBootstrap(book *store.PeerBook, ctl *topology.Controller, limit int) (int, error) {
	if book == nil {
		return 0, nil
	}
	recs, err := book.Load(limit)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, rec := range recs {
		id, meta, err := rec.Peer()
		if err != nil {
			debuglog.Debugf("peer book skip %q: %v", rec.Addr, err)
			continue
		}
		if err := ctl.AddNeighbour(id, meta); err != nil {
			debuglog.Debugf("peer book skip %s: %v", id, err)
			continue
		}
		added++
	}
	return added, nil
}

// ApplyMetadata sets the node's own metadata. While bootstrapping only the
// sampler takes it, so it is applied again when the controller turns steady
// and the ranked engine starts gossiping.
func ApplyMetadata(ctl *topology.Controller, meta []byte) error {
	if len(meta) == 0 {
		return nil
	}
	meta = bytes.Clone(meta)
	if err := ctl.ChangeMetadata(meta); err != nil {
		return err
	}
	if ctl.Phase() == topology.Steady {
		return nil
	}
	ctl.AddPhaseHook(func(p topology.Phase) {
		if p != topology.Steady {
			return
		}
		if err := ctl.ChangeMetadata(meta); err != nil {
			debuglog.Logf("reapply metadata on %s: %v", p, err)
		}
	})
	return nil
}

// AddPeers adds comma separated "a.b.c.d:port" peers with zeroed metadata of
// metaSize bytes.
func AddPeers(ctl *topology.Controller, list string, metaSize int) (int, error) {
	var meta []byte
	if metaSize > 0 {
		meta = make([]byte, metaSize)
	}
	added := 0
	var errs []error
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := node.Parse(part)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := ctl.AddNeighbour(id, meta); err != nil {
			if errors.Is(err, peer.ErrDuplicatePeer) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		added++
	}
	return added, errors.Join(errs...)
}
