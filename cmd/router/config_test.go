package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultNeedsSecret(t *testing.T) {
	err := Default().Validate()
	if err == nil || !strings.Contains(err.Error(), "proxy_secret") {
		t.Fatalf("expected proxy_secret error, got %v", err)
	}
}

func TestResolveLayering(t *testing.T) {
	path := writeConfig(t, `
listen: ":7000"
proxy_secret: from-file
relay:
  queue_depth: 8
p2p:
  negotiation_timeout: 3s
turn:
  url: turn:198.51.100.1:3478
`)
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, cfg)
	if err := fs.Parse([]string{"--listen", ":7100"}); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envProxySecret, "from-env")
	if err := cfg.resolve(fs, path); err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7100" {
		t.Errorf("flag should win over file, listen = %s", cfg.Listen)
	}
	if cfg.ProxySecret != "from-env" {
		t.Errorf("env should win over file, secret = %s", cfg.ProxySecret)
	}
	if cfg.Relay.QueueDepth != 8 || cfg.P2P.NegotiationTimeout != 3*time.Second {
		t.Errorf("file values lost: %+v %+v", cfg.Relay, cfg.P2P)
	}
	if cfg.Relay.NotifyTimeout != 2*time.Second || cfg.TURN.Username != "peer" {
		t.Errorf("defaults lost: %+v %+v", cfg.Relay, cfg.TURN)
	}
	if cfg.TURN.URL != "turn:198.51.100.1:3478" {
		t.Errorf("turn url = %s", cfg.TURN.URL)
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.ProxySecret = "s"
	cfg.Path = "ws"
	cfg.Relay.QueueDepth = 0
	cfg.TURN.URL = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"path", "queue_depth", "turn.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}
