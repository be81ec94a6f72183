// Package p2p upgrades a router session to a direct WebRTC data channel. All
// signaling travels through the router as signal_* frames; the router only
// relays them.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
)

const channelLabel = "peerlink"

var ErrChannelClosed = errors.New("p2p: data channel not open")

// Signaler delivers signaling frames to the router. *peer.Conn satisfies it.
type Signaler interface {
	Send(proto.Message) error
}

// Negotiator drives one side of the upgrade. The client side offers, the
// server side answers.
type Negotiator struct {
	sessionID string
	offerer   bool
	sig       Signaler
	pc        *webrtc.PeerConnection

	opened   chan struct{}
	openOnce sync.Once
	failed   chan struct{}
	failOnce sync.Once

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	onData    func([]byte)
}

// ICEServers converts router issued credentials into pion ICE servers. With
// nil credentials only host candidates are gathered.
func ICEServers(creds *proto.TURNCredentials) []webrtc.ICEServer {
	if creds == nil || creds.URL == "" {
		return nil
	}
	return []webrtc.ICEServer{{URLs: []string{creds.URL}, Username: creds.Username, Credential: creds.Credential}}
}

// New prepares a negotiator for sessionID.
func New(sessionID string, creds *proto.TURNCredentials, offerer bool, sig Signaler) (*Negotiator, error) {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ICEServers(creds)})
	if err != nil {
		return nil, fmt.Errorf("p2p: new peer connection: %w", err)
	}
	n := &Negotiator{
		sessionID: sessionID,
		offerer:   offerer,
		sig:       sig,
		pc:        pc,
		opened:    make(chan struct{}),
		failed:    make(chan struct{}),
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := sig.Send(&proto.SignalCandidate{SessionID: sessionID, Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex}); err != nil {
			obs.Debug("p2p.candidate.send", obs.Fields{"session": sessionID, "err": err.Error()})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		obs.Debug("p2p.state", obs.Fields{"session": sessionID, "state": s.String()})
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			n.failOnce.Do(func() { close(n.failed) })
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == channelLabel {
			n.attach(dc)
		}
	})
	return n, nil
}

func (n *Negotiator) attach(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.dc = dc
	n.mu.Unlock()
	dc.OnOpen(func() { n.openOnce.Do(func() { close(n.opened) }) })
	dc.OnClose(func() { n.failOnce.Do(func() { close(n.failed) }) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		n.mu.Lock()
		fn := n.onData
		n.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

// OnData sets the handler for payloads arriving over the direct channel.
func (n *Negotiator) OnData(fn func([]byte)) {
	n.mu.Lock()
	n.onData = fn
	n.mu.Unlock()
}

// Start sends the offer. It does nothing on the answering side.
func (n *Negotiator) Start() error {
	if !n.offerer {
		return nil
	}
	dc, err := n.pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		return fmt.Errorf("p2p: create data channel: %w", err)
	}
	n.attach(dc)
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("p2p: create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("p2p: set local description: %w", err)
	}
	return n.sig.Send(&proto.SignalOffer{SessionID: n.sessionID, SDP: offer.SDP})
}

// Handle consumes a signaling frame relayed from the other peer. Other
// message kinds are ignored.
func (n *Negotiator) Handle(m proto.Message) error {
	switch m := m.(type) {
	case *proto.SignalOffer:
		if n.offerer {
			return nil
		}
		if err := n.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}); err != nil {
			return err
		}
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("p2p: create answer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("p2p: set local description: %w", err)
		}
		return n.sig.Send(&proto.SignalAnswer{SessionID: n.sessionID, SDP: answer.SDP})
	case *proto.SignalAnswer:
		if !n.offerer {
			return nil
		}
		return n.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP})
	case *proto.SignalCandidate:
		init := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}
		n.mu.Lock()
		if !n.remoteSet {
			n.pending = append(n.pending, init)
			n.mu.Unlock()
			return nil
		}
		n.mu.Unlock()
		return n.pc.AddICECandidate(init)
	}
	return nil
}

// setRemote applies the remote description and flushes candidates that
// arrived before it.
func (n *Negotiator) setRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("p2p: set remote description: %w", err)
	}
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("p2p: add candidate: %w", err)
		}
	}
	return nil
}

// Wait blocks until the data channel opens, then reports p2p_upgraded. On
// failure or timeout it reports p2p_fallback and returns the cause.
func (n *Negotiator) Wait(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	var cause error
	select {
	case <-n.opened:
		obs.Info("p2p.open", obs.Fields{"session": n.sessionID, "offerer": n.offerer})
		return n.sig.Send(&proto.P2PUpgraded{SessionID: n.sessionID})
	case <-n.failed:
		cause = errors.New("p2p: connection failed")
	case <-t.C:
		cause = errors.New("p2p: timed out waiting for data channel")
	case <-ctx.Done():
		cause = ctx.Err()
	}
	if err := n.Fallback(cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Fallback tells the router the direct channel is unusable.
func (n *Negotiator) Fallback(reason string) error {
	return n.sig.Send(&proto.P2PFallback{SessionID: n.sessionID, Reason: reason})
}

// Done is closed when the direct channel fails or closes.
func (n *Negotiator) Done() <-chan struct{} { return n.failed }

// Send writes b over the direct channel.
func (n *Negotiator) Send(b []byte) error {
	n.mu.Lock()
	dc := n.dc
	n.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}
	return dc.Send(b)
}

func (n *Negotiator) Close() error { return n.pc.Close() }
