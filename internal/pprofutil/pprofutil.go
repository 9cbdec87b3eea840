// Package pprofutil serves net/http/pprof for a running node when asked to
// through the environment.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/netip"
	"os"
	"strings"
	"time"
)

const defaultAddr = "127.0.0.1:6060"

var ErrPublicBind = errors.New("pprof address must be loopback")

type Config struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

// ConfigFromEnv reads STREAMER_PPROF, STREAMER_PPROF_ADDR and
// STREAMER_PPROF_ALLOW_PUBLIC.
func ConfigFromEnv() Config {
	addr := strings.TrimSpace(os.Getenv("STREAMER_PPROF_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	return Config{
		Enabled:     strings.TrimSpace(os.Getenv("STREAMER_PPROF")) == "1",
		Addr:        addr,
		AllowPublic: strings.TrimSpace(os.Getenv("STREAMER_PPROF_ALLOW_PUBLIC")) == "1",
	}
}

// Server is a running pprof listener.
type Server struct {
	srv  *http.Server
	addr string
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Start listens on cfg.Addr. It returns a nil server when cfg is disabled.
func Start(cfg Config, logw io.Writer) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if !cfg.AllowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%w unless STREAMER_PPROF_ALLOW_PUBLIC=1: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
	}
	srv := &http.Server{
		Addr:              actual,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return &Server{srv: srv, addr: actual}, nil
}

func StartFromEnv(logw io.Writer) (*Server, error) {
	return Start(ConfigFromEnv(), logw)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
