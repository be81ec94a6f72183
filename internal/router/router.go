// Package router is the rendezvous point: it authenticates server and client
// peers, pairs them into sessions, relays their frames and brokers an
// optional peer-to-peer upgrade.
package router

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/peerlink/internal/auth"
	"github.com/matst80/peerlink/internal/httpx"
	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
	"github.com/matst80/peerlink/internal/ratelimit"
	"github.com/matst80/peerlink/internal/registry"
	"github.com/matst80/peerlink/internal/turn"
)

// DefaultMaxMessageBytes is the read limit applied to every peer frame
// unless Options.MaxMessageBytes overrides it.
const DefaultMaxMessageBytes = 1 << 20

// Options configures a Router. Gate and Registry are required.
type Options struct {
	Gate     *auth.Gate
	Registry *registry.Registry
	// TURN is nil when p2p upgrades are disabled; sessions then stay relayed.
	TURN    *turn.Provider
	Limiter *ratelimit.Limiter

	QueueDepth         int
	MaxMessageBytes    int64
	IdleTimeout        time.Duration
	HandshakeTimeout   time.Duration
	NegotiationTimeout time.Duration
	NotifyTimeout      time.Duration
	AllowedOrigins     []string
	TrustForwarded     bool
}

func (o *Options) defaults() {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 15 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 2 * time.Second
	}
}

// Router is an http.Handler serving the peer websocket endpoint.
type Router struct {
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	conns    map[*peerConn]struct{}

	closing atomic.Bool
	wg      sync.WaitGroup
	relayed atomic.Uint64
}

func New(opts Options) *Router {
	opts.defaults()
	r := &Router{
		opts:     opts,
		sessions: make(map[string]*session),
		conns:    make(map[*peerConn]struct{}),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    proto.Subprotocols(),
		CheckOrigin:     func(req *http.Request) bool { return httpx.OriginAllowed(req, opts.AllowedOrigins) },
	}
	return r
}

// ServeHTTP upgrades the request and runs the peer connection until it ends.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.closing.Load() {
		http.Error(w, proto.ReasonRouterShutdown, http.StatusServiceUnavailable)
		return
	}
	remote := httpx.ClientIP(req, r.opts.TrustForwarded)
	if r.opts.Limiter != nil && !r.opts.Limiter.Allow(remote) {
		obs.AuthFailuresTotal.WithLabelValues(proto.ReasonRateLimited).Inc()
		obs.Warn("conn.rate_limited", obs.Fields{"remote": remote})
		http.Error(w, proto.ReasonRateLimited, http.StatusTooManyRequests)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		obs.Debug("conn.upgrade", obs.Fields{"remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	ws.SetReadLimit(r.opts.MaxMessageBytes)
	c := newPeerConn(ws, remote, r.opts.QueueDepth, r.opts.IdleTimeout, r.opts.NotifyTimeout)
	ws.SetPongHandler(func(string) error { c.extendDeadline(); return nil })
	c.extendDeadline()

	r.mu.Lock()
	if r.closing.Load() {
		r.mu.Unlock()
		c.close()
		return
	}
	r.conns[c] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()
	obs.OpenConnections.Inc()

	defer func() {
		c.close()
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		obs.OpenConnections.Dec()
		r.wg.Done()
	}()
	go c.writeLoop()
	r.serve(c)
}

// Shutdown stops accepting peers, ends every session with router_shutdown
// and waits for connections to drain until ctx expires, after which the
// remaining sockets are closed.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing.Store(true)
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	conns := make([]*peerConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.endSession(s, causeShutdown)
	}
	for _, c := range conns {
		c.notify(&proto.Close{Reason: proto.ReasonRouterShutdown}, true, nil)
	}
	obs.Info("router.shutdown", obs.Fields{"sessions": len(sessions), "conns": len(conns)})

	drained := make(chan struct{})
	go func() { r.wg.Wait(); close(drained) }()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			c.close()
		}
		<-drained
		return ctx.Err()
	}
}

// Connections returns the number of open peer connections.
func (r *Router) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BytesRelayed returns the data payload bytes forwarded since start.
func (r *Router) BytesRelayed() uint64 { return r.relayed.Load() }

// Ready reports whether the router accepts new peers.
func (r *Router) Ready() bool { return !r.closing.Load() }

// ConnInfo is a point-in-time view of a peer connection.
type ConnInfo struct {
	ID     string     `json:"id"`
	Remote string     `json:"remote"`
	Role   proto.Role `json:"role,omitempty"`
	Ready  bool       `json:"ready"`
	Codec  string     `json:"codec"`
}

// Conns lists the open peer connections. Role is empty until a peer has
// authenticated.
func (r *Router) Conns() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnInfo, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, ConnInfo{ID: c.id, Remote: c.remote, Role: c.peerRole(), Ready: c.ready.Load(), Codec: c.codec.Subprotocol()})
	}
	return out
}
