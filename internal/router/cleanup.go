package router

import (
	"time"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
	"github.com/matst80/peerlink/internal/registry"
)

// endCause says why a session ended. It decides which peer is told and
// whether the server registration goes away with the session.
type endCause int

const (
	causeClientDisconnected endCause = iota
	causeClientClosed
	causeClientViolation
	causeServerDisconnected
	causeServerClosed
	causeServerViolation
	causeShutdown
)

func (c endCause) String() string {
	switch c {
	case causeClientDisconnected:
		return "client_disconnected"
	case causeClientClosed:
		return "client_closed"
	case causeClientViolation:
		return "client_violation"
	case causeServerDisconnected:
		return "server_disconnected"
	case causeServerClosed:
		return "server_closed"
	case causeServerViolation:
		return "server_violation"
	case causeShutdown:
		return "shutdown"
	}
	return "unknown"
}

// serverDropped reports whether the server connection itself is gone, as
// opposed to only the session.
func (c endCause) serverDropped() bool {
	return c == causeServerDisconnected || c == causeServerViolation
}

// endSession terminates s exactly once; later calls from the other side's
// failure path return false and do nothing. It only uses locally held state
// and never waits on the dead peer.
func (r *Router) endSession(s *session, cause endCause) bool {
	if !s.ended.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	// Wait out forwards that were already past their done check.
	s.fwdMu.Lock()
	s.fwdMu.Unlock()

	s.mu.Lock()
	s.releaseNegotiation()
	s.mode = proto.ModeClosed
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	if cause.serverDropped() {
		r.opts.Registry.Deregister(s.reg)
	}
	unbind := func() { s.reg.Unbind(s.id) }
	switch cause {
	case causeClientDisconnected:
		s.server.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonClientDisconnected}, false, unbind)
	case causeClientClosed:
		s.server.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonClientClosed}, false, unbind)
	case causeClientViolation:
		s.server.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonProtocolViolation}, false, unbind)
	case causeServerDisconnected:
		s.client.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonServerGone}, true, nil)
		unbind()
	case causeServerClosed:
		s.client.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonServerClosed}, true, nil)
		unbind()
	case causeServerViolation:
		s.client.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonProtocolViolation}, true, nil)
		unbind()
	case causeShutdown:
		s.client.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonRouterShutdown}, true, nil)
		s.server.notify(&proto.Close{SessionID: s.id, Reason: proto.ReasonRouterShutdown}, true, nil)
		unbind()
	}

	lifetime := time.Since(s.createdAt)
	obs.ActiveSessions.Dec()
	obs.SessionEndTotal.WithLabelValues(cause.String()).Inc()
	obs.SessionDuration.Observe(lifetime.Seconds())
	obs.Info("session.end", obs.Fields{"session": s.id, "name": s.name, "cause": cause.String(), "duration_ms": lifetime.Milliseconds()})
	return true
}

// serverGone runs when a registered server's connection ends. The
// registration is removed first so no new session can bind to it, then the
// bound session, if any, is ended.
func (r *Router) serverGone(reg *registry.Registration, cause endCause) {
	r.opts.Registry.Deregister(reg)
	if s := r.sessionFor(reg); s != nil {
		r.endSession(s, cause)
	}
	obs.Info("server.gone", obs.Fields{"name": reg.Name, "cause": cause.String()})
}
