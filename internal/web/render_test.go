package web

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type row struct {
	Name      string
	CreatedAt time.Time
	Session   string
}

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"Servers":      1,
		"Sessions":     0,
		"Connections":  1200,
		"BytesRelayed": uint64(2048),
		"ServerList":   []row{{Name: "demo", CreatedAt: time.Now().Add(-time.Minute)}},
		"SessionList":  nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"<title>peerlink router</title>", "demo", "1 minute ago", "1,200 connections", "2.0 kB relayed", "idle"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output", want)
		}
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if err := Render(&bytes.Buffer{}, "missing", nil); err == nil {
		t.Fatal("expected error")
	}
}
