package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"peerstreamer/internal/chunkiser"
	"peerstreamer/internal/config"
	"peerstreamer/internal/daemon"
	"peerstreamer/internal/debuglog"
	"peerstreamer/internal/metrics"
	"peerstreamer/internal/network"
	"peerstreamer/internal/node"
	"peerstreamer/internal/peer"
	"peerstreamer/internal/pprofutil"
	"peerstreamer/internal/store"
	"peerstreamer/internal/topology"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "chunks":
		return runChunks(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: streamer-node <run|id|chunks> [args]")
	fmt.Fprintln(w, "  run    [--addr 127.0.0.1] [--port 0] [--peers a:p,...] [--peer-book file]")
	fmt.Fprintln(w, "         [--threshold 5] [--tick 1s] [--meta hex] [--source file|-]")
	fmt.Fprintln(w, "         [--chunk-config k=v,...] [--net-config k=v,...] [--recv-limit n]")
	fmt.Fprintln(w, "         [--metrics file] [--duration d] [--debug]")
	fmt.Fprintln(w, "  id     <a.b.c.d:port>")
	fmt.Fprintln(w, "  chunks [--config k=v,...] [--period d] [--max n] <source>")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1", "local IPv4 address")
	port := fs.Int("port", 0, "local UDP port (0 picks one)")
	netCfg := fs.String("net-config", "", "transport config tags (rcvbuf, sndbuf, batch)")
	peers := fs.String("peers", "", "comma separated bootstrap peers")
	bookPath := fs.String("peer-book", "", "JSONL file remembering neighbours across runs")
	threshold := fs.Int("threshold", topology.DefaultThreshold, "sampling rounds before ranked selection takes over")
	tick := fs.Duration("tick", daemon.DefaultTick, "gossip period")
	cacheSize := fs.Int("cache-size", peer.DefaultCacheSize, "random sampler cache size")
	viewSize := fs.Int("view-size", peer.DefaultViewSize, "ranked view size")
	metaHex := fs.String("meta", "", "local metadata, hex")
	source := fs.String("source", "", "chunk source (file, - for stdin)")
	chunkCfg := fs.String("chunk-config", "", "chunkiser config tags (chunkiser, chunk_size, period)")
	chunkPeriod := fs.Duration("chunk-period", 0, "chunk period (0 lets the chunkiser choose)")
	recvLimit := fs.Int("recv-limit", 50, "gossip messages accepted per sender per second (0 disables)")
	metricsPath := fs.String("metrics", "", "write metrics snapshots to this file")
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("STREAMER_DEBUG", "1")
	}
	meta, err := hex.DecodeString(*metaHex)
	if err != nil {
		fmt.Fprintf(stderr, "bad --meta: %v\n", err)
		return 1
	}

	m := metrics.New()
	opts, err := network.OptionsFromConfig(*netCfg)
	if err != nil {
		fmt.Fprintf(stderr, "bad --net-config: %v\n", err)
		return 1
	}
	opts.Metrics = m
	tr, err := network.Open(*addr, *port, opts)
	if err != nil {
		fmt.Fprintf(stderr, "open transport failed: %v\n", err)
		return 1
	}
	defer tr.Close()

	ctl := topology.New(
		peer.NewSampler(tr.ID(), tr, peer.SamplerOptions{CacheSize: *cacheSize}),
		peer.NewRanked(tr.ID(), tr, peer.RankedOptions{ViewSize: *viewSize}),
		topology.Options{
			Threshold: *threshold,
			Metrics:   m,
			OnPhaseChange: func(p topology.Phase) {
				fmt.Fprintf(stdout, "PHASE %s\n", p)
			},
		},
	)
	if err := daemon.ApplyMetadata(ctl, meta); err != nil {
		fmt.Fprintf(stderr, "set metadata failed: %v\n", err)
		return 1
	}
	added, err := daemon.AddPeers(ctl, *peers, len(meta))
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap peers: %v\n", err)
	}
	var book *store.PeerBook
	if *bookPath != "" {
		book = store.NewPeerBook(*bookPath)
		n, err := daemon.LoadBootstrap(book, ctl, *cacheSize)
		if err != nil {
			fmt.Fprintf(stderr, "load peer book failed: %v\n", err)
		}
		added += n
	}

	var src *chunkiser.InputStream
	period := *chunkPeriod
	if *source != "" || *chunkCfg != "" {
		tags, err := config.Parse(*chunkCfg)
		if err != nil {
			fmt.Fprintf(stderr, "bad --chunk-config: %v\n", err)
			return 1
		}
		src, period, err = chunkiser.Open(*source, period, tags)
		if err != nil {
			fmt.Fprintf(stderr, "open chunk source failed: %v\n", err)
			return 1
		}
		defer src.Close()
	}

	ropts := daemon.Options{Tick: *tick, Metrics: m, ChunkPeriod: period, RecvLimit: *recvLimit, RecvWindow: time.Second}
	info := bannerInfo{ID: tr.ID(), Threshold: ctl.Threshold(), Tick: *tick, Peers: added}
	if src != nil {
		ropts.Source = src
		info.Source = *source
		info.Backend = src.Backend()
		info.ChunkPeriod = period
	}
	runner := daemon.NewRunner(tr, ctl, ropts)
	banner(stdout, info)
	fmt.Fprintf(stdout, "READY addr=%s fingerprint=%x\n", tr.ID(), tr.ID().Fingerprint())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	prof, err := pprofutil.StartFromEnv(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
	}
	defer prof.Shutdown(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	if *metricsPath != "" {
		g.Go(func() error { return runner.RunSnapshots(gctx, *metricsPath, time.Second) })
	}
	err = g.Wait()
	if book != nil {
		if serr := runner.SaveNeighbourhood(book); serr != nil {
			fmt.Fprintf(stderr, "save peer book failed: %v\n", serr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	snap := m.Snapshot()
	debuglog.Logf("stopped phase=%s counter=%d sent=%d received=%d", ctl.Phase(), ctl.Counter(),
		snap.Transport.MessagesSent, snap.Transport.MessagesReceived)
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: streamer-node id <a.b.c.d:port>")
		return 1
	}
	id, err := node.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "bad address: %v\n", err)
		return 1
	}
	wire, err := id.AppendBinary(nil)
	if err != nil {
		fmt.Fprintf(stderr, "encode failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "addr=%s wire=%x fingerprint=%x\n", id, wire, id.Fingerprint())
	return 0
}

func runChunks(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chunks", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgStr := fs.String("config", "", "chunkiser config tags")
	period := fs.Duration("period", 0, "chunk period")
	maxChunks := fs.Int("max", 0, "stop after n chunks (0 reads to the end)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	tags, err := config.Parse(*cfgStr)
	if err != nil {
		fmt.Fprintf(stderr, "bad --config: %v\n", err)
		return 1
	}
	s, p, err := chunkiser.Open(fs.Arg(0), *period, tags)
	if err != nil {
		fmt.Fprintf(stderr, "open failed: %v\n", err)
		return 1
	}
	defer s.Close()
	total := 0
	id := 0
	for ; *maxChunks <= 0 || id < *maxChunks; id++ {
		c, err := s.Chunkise(id)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, chunkiser.ErrNoChunk) {
			continue
		}
		if err != nil {
			fmt.Fprintf(stderr, "chunk %d failed: %v\n", id, err)
			return 1
		}
		total += len(c.Data)
		fmt.Fprintf(stdout, "chunk id=%d ts=%d size=%d\n", c.ID, c.Timestamp, len(c.Data))
	}
	fmt.Fprintf(stdout, "total chunks=%d bytes=%d backend=%s period=%s\n", id, total, s.Backend(), p)
	return 0
}
