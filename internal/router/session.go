package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
	"github.com/matst80/peerlink/internal/registry"
)

// session pairs one client with one registered server. It is the only path
// along which payload frames travel between the two connections.
type session struct {
	id        string
	name      string
	createdAt time.Time
	server    *peerConn
	client    *peerConn
	// reg is looked up by name on the registry side; the session only uses
	// it to unbind and to detect that its server went away.
	reg *registry.Registration

	done  chan struct{}
	ended atomic.Bool
	// fwdMu is held shared by every in-flight forward and exclusively once
	// by endSession, so no frame is queued after the close notification.
	fwdMu sync.RWMutex

	mu   sync.Mutex
	mode proto.Mode
	neg  *negotiationState
	gen  uint64
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Mode      proto.Mode `json:"mode"`
	CreatedAt time.Time  `json:"created_at"`
	Server    string     `json:"server_remote"`
	Client    string     `json:"client_remote"`
}

func (s *session) info() SessionInfo {
	return SessionInfo{ID: s.id, Name: s.name, Mode: s.currentMode(), CreatedAt: s.createdAt, Server: s.server.remote, Client: s.client.remote}
}

func (s *session) currentMode() proto.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// counterpart returns the connection frames from role are delivered to.
func (s *session) counterpart(from proto.Role) *peerConn {
	if from == proto.RoleServer {
		return s.client
	}
	return s.server
}

func (s *session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (r *Router) lookupSession(id string) *session {
	if id == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// sessionFor returns the live session currently bound to reg, if any.
func (r *Router) sessionFor(reg *registry.Registration) *session {
	return r.lookupSession(reg.Session())
}

// openSession pairs client with the server behind reg. The session is
// indexed before the registration is bound so a server that vanishes
// concurrently always finds and ends it.
func (r *Router) openSession(client *peerConn, reg *registry.Registration, wantP2P bool) (*session, error) {
	srv, ok := reg.Conn().(*peerConn)
	if !ok {
		return nil, ErrUnknownServer
	}
	s := &session{
		id:        uuid.NewString(),
		name:      reg.Name,
		createdAt: time.Now(),
		server:    srv,
		client:    client,
		reg:       reg,
		done:      make(chan struct{}),
		mode:      proto.ModeRelay,
	}
	r.mu.Lock()
	if r.closing.Load() {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.sessions[s.id] = s
	r.mu.Unlock()
	obs.ActiveSessions.Inc()

	if err := reg.Bind(s.id); err != nil {
		r.abandonSession(s)
		return nil, err
	}

	p2p := wantP2P && r.opts.TURN != nil
	var creds *proto.TURNCredentials
	transport := "relay"
	if p2p {
		creds = r.opts.TURN.Issue(s.id)
		r.beginNegotiation(s)
		transport = "p2p"
	}
	obs.SessionsTotal.WithLabelValues(transport).Inc()
	obs.Info("session.open", obs.Fields{"session": s.id, "name": s.name, "p2p": p2p, "client": client.remote})

	// Both go through forward so a session ended meanwhile never emits
	// them after its close frame.
	r.forward(s, client, &proto.ConnectResult{OK: true, SessionID: s.id, Name: s.name, P2P: p2p, TURN: creds})
	r.forward(s, srv, &proto.SessionOpened{SessionID: s.id, P2P: p2p, TURN: creds})
	if p2p {
		r.announce(s, &proto.ModeChanged{Mode: proto.ModeP2PNegotiating})
	}
	return s, nil
}

// abandonSession undoes the indexing of a session that never got bound. A
// concurrent endSession, e.g. from Shutdown, may have claimed it first, in
// which case that call already did the bookkeeping.
func (r *Router) abandonSession(s *session) bool {
	if !s.ended.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
	obs.ActiveSessions.Dec()
	return true
}

// forward queues m on dst as part of s. It blocks while dst's queue is full
// and gives up when either dst or the session goes away.
func (r *Router) forward(s *session, dst *peerConn, m proto.Message) bool {
	s.fwdMu.RLock()
	defer s.fwdMu.RUnlock()
	if s.isDone() {
		return false
	}
	return dst.enqueue(m, s.done)
}

// announce sends m to both peers of s.
func (r *Router) announce(s *session, m proto.Message) {
	r.forward(s, s.server, m)
	r.forward(s, s.client, m)
}

func direction(from proto.Role) string {
	if from == proto.RoleServer {
		return "server_to_client"
	}
	return "client_to_server"
}

// relay handles a session-scoped frame sent by the from side of s.
func (r *Router) relay(s *session, from proto.Role, m proto.Message) {
	if sid, _ := proto.SessionScoped(m); sid != "" && sid != s.id {
		obs.FramesDropped.WithLabelValues("stale_session").Inc()
		return
	}
	dst := s.counterpart(from)
	dir := direction(from)
	switch m := m.(type) {
	case *proto.Data:
		if s.currentMode() == proto.ModeP2PEstablished {
			obs.FramesDropped.WithLabelValues("p2p_established").Inc()
			return
		}
		if r.forward(s, dst, m) {
			obs.FramesRelayed.WithLabelValues(dir, string(proto.TypeData)).Inc()
			obs.BytesRelayed.WithLabelValues(dir).Add(float64(len(m.Bytes)))
			r.relayed.Add(uint64(len(m.Bytes)))
		}
	case *proto.SignalOffer, *proto.SignalAnswer, *proto.SignalCandidate:
		if !s.recordSignal(m) {
			obs.FramesDropped.WithLabelValues("not_negotiating").Inc()
			return
		}
		if r.forward(s, dst, m) {
			obs.FramesRelayed.WithLabelValues(dir, string(m.Type())).Inc()
		}
	case *proto.P2PUpgraded:
		r.markUpgraded(s, from)
	case *proto.P2PFallback:
		r.fallback(s, m.Reason)
	}
}

// Sessions returns the live sessions.
func (r *Router) Sessions() []SessionInfo {
	r.mu.RLock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	return out
}
