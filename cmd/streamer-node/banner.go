package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"peerstreamer/internal/node"
)

type bannerInfo struct {
	ID          node.ID
	Threshold   int
	Tick        time.Duration
	Peers       int
	Source      string
	Backend     string
	ChunkPeriod time.Duration
}

func banner(w io.Writer, info bannerInfo) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)
	warn := color.New(color.FgYellow)

	title.Fprintln(w, "peerstreamer node")
	label.Fprint(w, "Node: ")
	fmt.Fprintf(w, "%s\n", info.ID)
	label.Fprint(w, "Phase: ")
	fmt.Fprintf(w, "bootstrap (ranked after %d sampling rounds)\n", info.Threshold)
	label.Fprint(w, "Gossip: ")
	fmt.Fprintf(w, "every %s\n", info.Tick)
	label.Fprint(w, "Peers: ")
	if info.Peers == 0 {
		warn.Fprintln(w, "none (waiting to be contacted)")
	} else {
		fmt.Fprintf(w, "%d\n", info.Peers)
	}
	label.Fprint(w, "Source: ")
	if info.Backend == "" {
		fmt.Fprintln(w, "none (relay only)")
		return
	}
	src := info.Source
	if src == "" {
		src = "-"
	}
	fmt.Fprintf(w, "%s via %s every %s\n", src, info.Backend, info.ChunkPeriod)
}
