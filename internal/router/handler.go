package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
	"github.com/matst80/peerlink/internal/registry"
)

// serve runs the connection task: authentication, then the role's state
// machine. It returns when the connection is finished.
func (r *Router) serve(c *peerConn) {
	handshake := time.AfterFunc(r.opts.HandshakeTimeout, func() {
		obs.Warn("conn.handshake.timeout", obs.Fields{"conn": c.id, "remote": c.remote})
		obs.ErrorsTotal.WithLabelValues("handshake_timeout").Inc()
		c.close()
	})
	defer handshake.Stop()

	m, err := c.read()
	if err != nil {
		if errors.Is(err, proto.ErrMalformed) {
			c.finish(&proto.AuthResult{Reason: proto.ReasonProtocolViolation})
		}
		return
	}
	req, ok := m.(*proto.AuthRequest)
	if !ok || !req.Role.Valid() {
		obs.AuthFailuresTotal.WithLabelValues(proto.ReasonProtocolViolation).Inc()
		c.finish(&proto.AuthResult{Reason: proto.ReasonProtocolViolation})
		return
	}
	if err := r.opts.Gate.AuthenticatePeer(req.ProxySecret); err != nil {
		reason := reasonFor(err)
		obs.AuthFailuresTotal.WithLabelValues(reason).Inc()
		obs.Warn("conn.auth.rejected", obs.Fields{"remote": c.remote, "role": string(req.Role)})
		c.finish(&proto.AuthResult{Reason: reason})
		return
	}
	c.setRole(req.Role)
	c.reply(&proto.AuthResult{OK: true})
	obs.Debug("conn.auth.ok", obs.Fields{"conn": c.id, "remote": c.remote, "role": string(req.Role)})

	switch req.Role {
	case proto.RoleServer:
		r.serveServer(c, handshake)
	case proto.RoleClient:
		r.serveClient(c, handshake)
	}
}

// violation closes c after a protocol violation, telling it why.
func violation(c *peerConn, sessionID string, err error) {
	obs.Warn("conn.protocol_violation", obs.Fields{"conn": c.id, "remote": c.remote, "role": string(c.peerRole()), "err": err.Error()})
	obs.ErrorsTotal.WithLabelValues("protocol_violation").Inc()
	c.finish(&proto.Close{SessionID: sessionID, Reason: proto.ReasonProtocolViolation})
}

func (r *Router) serveServer(c *peerConn, handshake *time.Timer) {
	m, err := c.read()
	if err != nil {
		if errors.Is(err, proto.ErrMalformed) {
			c.finish(&proto.RegisterResult{Reason: proto.ReasonProtocolViolation})
		}
		return
	}
	req, ok := m.(*proto.RegisterServer)
	if !ok {
		c.finish(&proto.RegisterResult{Reason: proto.ReasonProtocolViolation})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.HandshakeTimeout)
	reg, err := r.opts.Registry.Register(ctx, req.Name, req.RegistrationSecret, c)
	cancel()
	if err != nil {
		reason := reasonFor(err)
		obs.Warn("server.register.rejected", obs.Fields{"name": req.Name, "remote": c.remote, "reason": reason})
		if reason == proto.ReasonInternal {
			obs.Error("server.register", obs.Fields{"name": req.Name, "err": err.Error()})
		}
		c.finish(&proto.RegisterResult{Reason: reason, Name: req.Name})
		return
	}
	handshake.Stop()
	c.ready.Store(true)
	obs.Info("server.registered", obs.Fields{"name": reg.Name, "remote": c.remote, "generation": reg.Generation})
	if !c.reply(&proto.RegisterResult{OK: true, Name: reg.Name}) {
		r.serverGone(reg, causeServerDisconnected)
		return
	}

	for {
		m, err := c.read()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				r.serverGone(reg, causeServerViolation)
				violation(c, reg.Session(), err)
				return
			}
			r.serverGone(reg, causeServerDisconnected)
			return
		}
		if _, scoped := proto.SessionScoped(m); scoped {
			s := r.sessionFor(reg)
			if s == nil {
				// Raced a session end; the frame has nowhere to go.
				obs.FramesDropped.WithLabelValues("no_session").Inc()
				continue
			}
			r.relay(s, proto.RoleServer, m)
			continue
		}
		switch m := m.(type) {
		case *proto.Close:
			s := r.sessionFor(reg)
			if s == nil || (m.SessionID != "" && m.SessionID != s.id) {
				obs.FramesDropped.WithLabelValues("stale_session").Inc()
				continue
			}
			r.endSession(s, causeServerClosed)
		default:
			sid := reg.Session()
			r.serverGone(reg, causeServerViolation)
			violation(c, sid, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, m.Type()))
			return
		}
	}
}

func (r *Router) serveClient(c *peerConn, handshake *time.Timer) {
	var req *proto.ConnectClient
	for req == nil {
		m, err := c.read()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				violation(c, "", err)
			}
			return
		}
		switch m := m.(type) {
		case *proto.ListServers:
			c.reply(&proto.ServerList{Names: r.opts.Registry.Names()})
		case *proto.ConnectClient:
			req = m
		default:
			violation(c, "", fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, m.Type()))
			return
		}
	}

	s, err := r.connect(c, req)
	if err != nil {
		reason := reasonFor(err)
		obs.Info("client.connect.rejected", obs.Fields{"name": req.Name, "remote": c.remote, "reason": reason})
		c.finish(&proto.ConnectResult{Reason: reason, Name: req.Name})
		return
	}
	handshake.Stop()
	c.ready.Store(true)

	for {
		m, err := c.read()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				r.endSession(s, causeClientViolation)
				violation(c, s.id, err)
				return
			}
			r.endSession(s, causeClientDisconnected)
			return
		}
		if _, scoped := proto.SessionScoped(m); scoped {
			r.relay(s, proto.RoleClient, m)
			continue
		}
		switch m := m.(type) {
		case *proto.Close:
			r.endSession(s, causeClientClosed)
			c.finish(&proto.Close{SessionID: s.id, Reason: proto.ReasonClientClosed})
			return
		default:
			r.endSession(s, causeClientViolation)
			violation(c, s.id, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, m.Type()))
			return
		}
	}
}

// connect authenticates a client against the named server and opens the
// session.
func (r *Router) connect(c *peerConn, req *proto.ConnectClient) (*session, error) {
	if !registry.ValidName(req.Name) {
		return nil, registry.ErrInvalidName
	}
	reg := r.opts.Registry.Lookup(req.Name)
	if reg == nil {
		return nil, ErrUnknownServer
	}
	if err := reg.VerifySecret(req.RegistrationSecret); err != nil {
		obs.AuthFailuresTotal.WithLabelValues(proto.ReasonInvalidServerSecret).Inc()
		return nil, err
	}
	return r.openSession(c, reg, req.WantP2P)
}
