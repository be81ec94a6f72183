package router

import (
	"time"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
)

// negotiationState lives on a session only while it is negotiating. The
// router never interprets the recorded artifacts; they are kept for
// inspection and released on every exit from negotiating.
type negotiationState struct {
	offers     []string
	answers    []string
	candidates []proto.SignalCandidate
	upgraded   map[proto.Role]bool
	deadline   time.Time
	timer      *time.Timer
}

// beginNegotiation moves s into p2p_negotiating and arms the deadline.
func (r *Router) beginNegotiation(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != proto.ModeRelay {
		return
	}
	s.gen++
	gen := s.gen
	s.mode = proto.ModeP2PNegotiating
	s.neg = &negotiationState{
		upgraded: make(map[proto.Role]bool, 2),
		deadline: time.Now().Add(r.opts.NegotiationTimeout),
	}
	s.neg.timer = time.AfterFunc(r.opts.NegotiationTimeout, func() { r.negotiationExpired(s, gen) })
	obs.NegotiationsTotal.WithLabelValues("started").Inc()
}

// releaseNegotiation drops the negotiation state. s.mu must be held.
func (s *session) releaseNegotiation() {
	if s.neg == nil {
		return
	}
	s.neg.timer.Stop()
	s.neg = nil
	s.gen++
}

// recordSignal stores a signaling frame and reports whether it may be
// relayed. Signals outside negotiation are late and get dropped.
func (s *session) recordSignal(m proto.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != proto.ModeP2PNegotiating || s.neg == nil {
		return false
	}
	switch m := m.(type) {
	case *proto.SignalOffer:
		s.neg.offers = append(s.neg.offers, m.SDP)
	case *proto.SignalAnswer:
		s.neg.answers = append(s.neg.answers, m.SDP)
	case *proto.SignalCandidate:
		s.neg.candidates = append(s.neg.candidates, *m)
	}
	return true
}

// markUpgraded records that role has a working direct channel. Once both
// peers said so the session is established and data relaying stops.
func (r *Router) markUpgraded(s *session, role proto.Role) {
	s.mu.Lock()
	if s.mode != proto.ModeP2PNegotiating || s.neg == nil {
		s.mu.Unlock()
		obs.FramesDropped.WithLabelValues("not_negotiating").Inc()
		return
	}
	s.neg.upgraded[role] = true
	if !s.neg.upgraded[proto.RoleServer] || !s.neg.upgraded[proto.RoleClient] {
		s.mu.Unlock()
		return
	}
	s.releaseNegotiation()
	s.mode = proto.ModeP2PEstablished
	s.mu.Unlock()

	obs.NegotiationsTotal.WithLabelValues("established").Inc()
	obs.Info("session.p2p.established", obs.Fields{"session": s.id, "name": s.name})
	r.announce(s, &proto.ModeChanged{Mode: proto.ModeP2PEstablished})
}

// fallback returns s to relay mode. It is accepted while negotiating and
// after establishment, when the direct channel died.
func (r *Router) fallback(s *session, reason string) {
	s.mu.Lock()
	if s.mode != proto.ModeP2PNegotiating && s.mode != proto.ModeP2PEstablished {
		s.mu.Unlock()
		obs.FramesDropped.WithLabelValues("not_negotiating").Inc()
		return
	}
	s.releaseNegotiation()
	s.mode = proto.ModeRelay
	s.mu.Unlock()

	if reason == "" {
		reason = string(proto.TypeP2PFallback)
	}
	obs.NegotiationsTotal.WithLabelValues("fallback").Inc()
	obs.Info("session.p2p.fallback", obs.Fields{"session": s.id, "name": s.name, "reason": reason})
	r.announce(s, &proto.ModeChanged{Mode: proto.ModeRelay, Reason: reason})
}

// negotiationExpired runs on the deadline timer. A timer belonging to an
// earlier negotiation generation does nothing.
func (r *Router) negotiationExpired(s *session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.mode != proto.ModeP2PNegotiating {
		s.mu.Unlock()
		return
	}
	s.releaseNegotiation()
	s.mode = proto.ModeRelay
	s.mu.Unlock()

	obs.NegotiationsTotal.WithLabelValues("timeout").Inc()
	obs.Info("session.p2p.timeout", obs.Fields{"session": s.id, "name": s.name})
	r.announce(s, &proto.ModeChanged{Mode: proto.ModeRelay, Reason: proto.ReasonNegotiationTimeout})
}
