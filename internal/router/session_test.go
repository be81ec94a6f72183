package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
	"github.com/matst80/peerlink/internal/registry"
)

// detachedConn is a peerConn without a socket; frames only land in its queue.
func detachedConn(id string) *peerConn {
	return &peerConn{id: id, out: make(chan outbound, 8), done: make(chan struct{}), notifyTimeout: time.Second}
}

func busyRegistration(t *testing.T, tr *testRouter) *registry.Registration {
	t.Helper()
	reg, err := tr.reg.Register(context.Background(), "demo", "S", detachedConn("srv"))
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Bind("held-elsewhere"); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestOpenSessionRollbackOnBusyServer(t *testing.T) {
	tr := newTestRouter(t, nil)
	reg := busyRegistration(t, tr)
	before := testutil.ToFloat64(obs.ActiveSessions)

	if _, err := tr.openSession(detachedConn("cli"), reg, false); !errors.Is(err, registry.ErrServerBusy) {
		t.Fatalf("got %v, want ErrServerBusy", err)
	}
	if got := testutil.ToFloat64(obs.ActiveSessions); got != before {
		t.Fatalf("active sessions %v, want %v", got, before)
	}
	if len(tr.Sessions()) != 0 {
		t.Fatal("rolled back session still indexed")
	}
}

func TestShutdownRacingRollbackCountsOnce(t *testing.T) {
	tr := newTestRouter(t, nil)
	reg := busyRegistration(t, tr)
	s := &session{
		id:        "s1",
		name:      reg.Name,
		createdAt: time.Now(),
		server:    detachedConn("srv"),
		client:    detachedConn("cli"),
		reg:       reg,
		done:      make(chan struct{}),
		mode:      proto.ModeRelay,
	}
	tr.mu.Lock()
	tr.sessions[s.id] = s
	tr.mu.Unlock()
	obs.ActiveSessions.Inc()
	before := testutil.ToFloat64(obs.ActiveSessions)

	// Shutdown reaches the indexed session before the failed bind is undone.
	if !tr.endSession(s, causeShutdown) {
		t.Fatal("endSession did not run")
	}
	if tr.abandonSession(s) {
		t.Fatal("rollback ran after the session had already ended")
	}
	if got := before - testutil.ToFloat64(obs.ActiveSessions); got != 1 {
		t.Fatalf("active sessions decremented %v times", got)
	}
	if reg.Session() != "held-elsewhere" {
		t.Fatalf("foreign binding released: %q", reg.Session())
	}
}
