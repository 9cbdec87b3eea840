package pprofutil

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("STREAMER_PPROF", "1")
	t.Setenv("STREAMER_PPROF_ADDR", "")
	t.Setenv("STREAMER_PPROF_ALLOW_PUBLIC", "")
	cfg := ConfigFromEnv()
	if !cfg.Enabled || cfg.Addr != defaultAddr || cfg.AllowPublic {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestStartDisabledAndPublic(t *testing.T) {
	srv, err := Start(Config{}, nil)
	if srv != nil || err != nil {
		t.Fatalf("disabled: srv=%v err=%v", srv, err)
	}
	if _, err := Start(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil); !errors.Is(err, ErrPublicBind) {
		t.Fatalf("public err=%v", err)
	}
}

func TestStartServes(t *testing.T) {
	srv, err := Start(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown(context.Background())
	resp, err := http.Get("http://" + srv.Addr() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
