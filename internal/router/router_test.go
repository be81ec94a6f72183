package router

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matst80/peerlink/internal/auth"
	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/peer"
	"github.com/matst80/peerlink/internal/proto"
	"github.com/matst80/peerlink/internal/ratelimit"
	"github.com/matst80/peerlink/internal/registry"
	"github.com/matst80/peerlink/internal/turn"
)

const proxySecret = "proxy-secret"

type testRouter struct {
	*Router
	reg *registry.Registry
	url string
}

func newTestRouter(t *testing.T, mutate func(*Options)) *testRouter {
	t.Helper()
	gate, err := auth.NewGate(proxySecret)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	opts := Options{Gate: gate, Registry: reg, NotifyTimeout: time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	r := New(opts)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
		srv.Close()
	})
	return &testRouter{Router: r, reg: reg, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (tr *testRouter) dial(t *testing.T, role proto.Role, codec proto.Codec) *peer.Conn {
	t.Helper()
	c, err := peer.Dial(context.Background(), tr.url, peer.Options{ProxySecret: proxySecret, Role: role, Codec: codec})
	if err != nil {
		t.Fatalf("dial %s: %v", role, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (tr *testRouter) server(t *testing.T, name, secret string) *peer.Conn {
	t.Helper()
	c := tr.dial(t, proto.RoleServer, nil)
	if err := c.Register(name, secret); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return c
}

// client connects to name, retrying while the server is still being
// released by a previous session.
func (tr *testRouter) client(t *testing.T, name, secret string, wantP2P bool) (*peer.Conn, *proto.ConnectResult) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c := tr.dial(t, proto.RoleClient, nil)
		res, err := c.Connect(name, secret, wantP2P)
		if err == nil {
			return c, res
		}
		if peer.Reason(err) != proto.ReasonServerBusy || time.Now().After(deadline) {
			t.Fatalf("connect %s: %v", name, err)
		}
		_ = c.Close()
		time.Sleep(10 * time.Millisecond)
	}
}

func recv(t *testing.T, c *peer.Conn) proto.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return m
}

func expect[T proto.Message](t *testing.T, c *peer.Conn) T {
	t.Helper()
	m := recv(t, c)
	v, ok := m.(T)
	if !ok {
		var zero T
		t.Fatalf("expected %T, got %T %+v", zero, m, m)
	}
	return v
}

func expectClose(t *testing.T, c *peer.Conn, reason string) {
	t.Helper()
	m := expect[*proto.Close](t, c)
	if m.Reason != reason {
		t.Fatalf("close reason %q, want %q", m.Reason, reason)
	}
}

func expectMode(t *testing.T, c *peer.Conn, mode proto.Mode, reason string) {
	t.Helper()
	m := expect[*proto.ModeChanged](t, c)
	if m.Mode != mode || m.Reason != reason {
		t.Fatalf("mode %s/%q, want %s/%q", m.Mode, m.Reason, mode, reason)
	}
}

func expectData(t *testing.T, c *peer.Conn, want string) {
	t.Helper()
	m := expect[*proto.Data](t, c)
	if string(m.Bytes) != want {
		t.Fatalf("data %q, want %q", m.Bytes, want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	for _, codec := range []proto.Codec{proto.JSON, proto.CBOR} {
		t.Run(codec.Subprotocol(), func(t *testing.T) {
			tr := newTestRouter(t, nil)
			srv := tr.dial(t, proto.RoleServer, codec)
			if err := srv.Register("demo", "S"); err != nil {
				t.Fatal(err)
			}
			cli := tr.dial(t, proto.RoleClient, codec)
			res, err := cli.Connect("demo", "S", false)
			if err != nil {
				t.Fatal(err)
			}
			if res.SessionID == "" || res.P2P || res.TURN != nil {
				t.Fatalf("unexpected connect result %+v", res)
			}
			opened := expect[*proto.SessionOpened](t, srv)
			if opened.SessionID != res.SessionID {
				t.Fatalf("session ids differ: %s vs %s", opened.SessionID, res.SessionID)
			}
			if err := cli.SendData([]byte("ls")); err != nil {
				t.Fatal(err)
			}
			expectData(t, srv, "ls")
			if err := srv.SendData([]byte("file1\nfile2")); err != nil {
				t.Fatal(err)
			}
			expectData(t, cli, "file1\nfile2")
			want := uint64(len("ls") + len("file1\nfile2"))
			waitFor(t, "relayed byte count", func() bool { return tr.BytesRelayed() == want })
		})
	}
}

func TestConnectUnknownServer(t *testing.T) {
	tr := newTestRouter(t, nil)
	cli := tr.dial(t, proto.RoleClient, nil)
	_, err := cli.Connect("demo", "S", false)
	if peer.Reason(err) != proto.ReasonUnknownServer {
		t.Fatalf("got %v, want unknown_server", err)
	}
}

func TestAuthenticationFailures(t *testing.T) {
	tr := newTestRouter(t, nil)
	_, err := peer.Dial(context.Background(), tr.url, peer.Options{ProxySecret: "wrong", Role: proto.RoleClient})
	if peer.Reason(err) != proto.ReasonInvalidProxySecret {
		t.Fatalf("got %v, want invalid_proxy_secret", err)
	}

	tr.server(t, "demo", "S")
	cli := tr.dial(t, proto.RoleClient, nil)
	_, err = cli.Connect("demo", "not-S", false)
	if peer.Reason(err) != proto.ReasonInvalidServerSecret {
		t.Fatalf("got %v, want invalid_server_secret", err)
	}

	bad := tr.dial(t, proto.RoleServer, nil)
	if err := bad.Register("no spaces allowed", "S"); peer.Reason(err) != proto.ReasonInvalidName {
		t.Fatalf("got %v, want invalid_name", err)
	}
}

func TestFirstMessageMustAuthenticate(t *testing.T) {
	tr := newTestRouter(t, nil)
	ws, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	b, _ := proto.JSON.Encode(&proto.RegisterServer{Name: "demo", RegistrationSecret: "S"})
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	m, err := proto.JSON.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	res, ok := m.(*proto.AuthResult)
	if !ok || res.OK || res.Reason != proto.ReasonProtocolViolation {
		t.Fatalf("unexpected %+v", m)
	}
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("connection stayed open")
	}
}

func TestDuplicateRegistrationKeepsFirst(t *testing.T) {
	tr := newTestRouter(t, nil)
	first := tr.server(t, "demo", "S")
	second := tr.dial(t, proto.RoleServer, nil)
	if err := second.Register("demo", "other"); peer.Reason(err) != proto.ReasonNameAlreadyActive {
		t.Fatalf("got %v, want name_already_active", err)
	}
	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, first)
	if err := cli.SendData([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	expectData(t, first, "hi")
}

func TestSecondClientIsBusy(t *testing.T) {
	tr := newTestRouter(t, nil)
	tr.server(t, "demo", "S")
	tr.client(t, "demo", "S", false)
	other := tr.dial(t, proto.RoleClient, nil)
	if _, err := other.Connect("demo", "S", false); peer.Reason(err) != proto.ReasonServerBusy {
		t.Fatalf("got %v, want server_busy", err)
	}
}

func TestListServers(t *testing.T) {
	tr := newTestRouter(t, nil)
	tr.server(t, "beta", "S")
	tr.server(t, "alpha", "S")
	cli := tr.dial(t, proto.RoleClient, nil)
	names, err := cli.ListServers()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "alpha,beta" {
		t.Fatalf("names %v", names)
	}
	if _, err := cli.Connect("alpha", "S", false); err != nil {
		t.Fatalf("connect after list: %v", err)
	}
}

func TestOrderPreservedPerDirection(t *testing.T) {
	const n = 300
	tr := newTestRouter(t, func(o *Options) { o.QueueDepth = 2 })
	srv := tr.server(t, "demo", "S")
	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)

	var wg sync.WaitGroup
	send := func(c *peer.Conn, prefix string) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := c.SendData([]byte(prefix + strconv.Itoa(i))); err != nil {
				t.Errorf("send: %v", err)
				return
			}
		}
	}
	wg.Add(2)
	go send(cli, "c")
	go send(srv, "s")
	for i := 0; i < n; i++ {
		expectData(t, srv, "c"+strconv.Itoa(i))
	}
	for i := 0; i < n; i++ {
		expectData(t, cli, "s"+strconv.Itoa(i))
	}
	wg.Wait()
}

func TestServerDisconnectNotifiesClient(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)

	_ = srv.Close()
	expectClose(t, cli, proto.ReasonServerGone)
	// The name is free as soon as the client learns about it.
	again := tr.dial(t, proto.RoleServer, nil)
	if err := again.Register("demo", "S2"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	waitFor(t, "sessions to drain", func() bool { return len(tr.Sessions()) == 0 })
}

func TestClientDisconnectFreesServer(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	cli, first := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)

	_ = cli.Close()
	closed := expect[*proto.Close](t, srv)
	if closed.Reason != proto.ReasonClientDisconnected || closed.SessionID != first.SessionID {
		t.Fatalf("unexpected close %+v", closed)
	}
	cli2, second := tr.client(t, "demo", "S", false)
	if second.SessionID == first.SessionID {
		t.Fatal("session id reused")
	}
	expect[*proto.SessionOpened](t, srv)
	if err := cli2.SendData([]byte("again")); err != nil {
		t.Fatal(err)
	}
	expectData(t, srv, "again")
	if tr.reg.Len() != 1 {
		t.Fatalf("registry has %d entries", tr.reg.Len())
	}
}

func TestExplicitCloses(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")

	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	if err := cli.CloseSession(""); err != nil {
		t.Fatal(err)
	}
	expectClose(t, srv, proto.ReasonClientClosed)
	expectClose(t, cli, proto.ReasonClientClosed)

	cli, _ = tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	if err := srv.CloseSession(""); err != nil {
		t.Fatal(err)
	}
	expectClose(t, cli, proto.ReasonServerClosed)
	// The server stays registered and can be paired again.
	tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
}

func TestEndSessionRunsOnce(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	_, res := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	s := tr.lookupSession(res.SessionID)
	if s == nil {
		t.Fatal("session not indexed")
	}
	before := testutil.ToFloat64(obs.SessionEndTotal.WithLabelValues(causeClientDisconnected.String())) +
		testutil.ToFloat64(obs.SessionEndTotal.WithLabelValues(causeClientClosed.String()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ended := 0
	for _, cause := range []endCause{causeClientDisconnected, causeClientClosed, causeClientDisconnected} {
		wg.Add(1)
		go func(c endCause) {
			defer wg.Done()
			if tr.endSession(s, c) {
				mu.Lock()
				ended++
				mu.Unlock()
			}
		}(cause)
	}
	wg.Wait()
	if ended != 1 {
		t.Fatalf("session ended %d times", ended)
	}
	after := testutil.ToFloat64(obs.SessionEndTotal.WithLabelValues(causeClientDisconnected.String())) +
		testutil.ToFloat64(obs.SessionEndTotal.WithLabelValues(causeClientClosed.String()))
	if after-before != 1 {
		t.Fatalf("end counted %v times", after-before)
	}
	if tr.reg.Lookup("demo") == nil {
		t.Fatal("client side cleanup removed the server")
	}
	waitFor(t, "unbind", func() bool { return tr.reg.Lookup("demo").Session() == "" })
	if tr.lookupSession(res.SessionID) != nil {
		t.Fatal("session still indexed")
	}
}

func TestStaleSessionFramesDropped(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	cli, res := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	if err := srv.Send(&proto.Data{SessionID: "an-old-session", Bytes: []byte("late")}); err != nil {
		t.Fatal(err)
	}
	if err := srv.Send(&proto.Data{SessionID: res.SessionID, Bytes: []byte("current")}); err != nil {
		t.Fatal(err)
	}
	expectData(t, cli, "current")
}

func TestProtocolViolationMidSession(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	if err := cli.Send(&proto.RegisterServer{Name: "x", RegistrationSecret: "y"}); err != nil {
		t.Fatal(err)
	}
	expectClose(t, srv, proto.ReasonProtocolViolation)
	expectClose(t, cli, proto.ReasonProtocolViolation)
	if tr.reg.Lookup("demo") == nil {
		t.Fatal("a client violation must not deregister the server")
	}
}

func TestServerViolationDeregisters(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	if err := srv.Send(&proto.ConnectClient{Name: "demo"}); err != nil {
		t.Fatal(err)
	}
	expectClose(t, cli, proto.ReasonProtocolViolation)
	waitFor(t, "deregistration", func() bool { return tr.reg.Lookup("demo") == nil })
}

func newP2PRouter(t *testing.T, timeout time.Duration) *testRouter {
	t.Helper()
	cfg := turn.Default()
	cfg.URL = "turn:127.0.0.1:3478"
	tp, err := turn.NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return newTestRouter(t, func(o *Options) {
		o.TURN = tp
		o.NegotiationTimeout = timeout
	})
}

// pairP2P connects a p2p session and consumes the negotiating announcements.
func pairP2P(t *testing.T, tr *testRouter) (srv, cli *peer.Conn, res *proto.ConnectResult) {
	t.Helper()
	srv = tr.server(t, "demo", "S")
	cli, res = tr.client(t, "demo", "S", true)
	if !res.P2P || res.TURN == nil || res.TURN.URL != "turn:127.0.0.1:3478" {
		t.Fatalf("no TURN credentials in %+v", res)
	}
	opened := expect[*proto.SessionOpened](t, srv)
	if !opened.P2P || opened.TURN == nil || *opened.TURN != *res.TURN {
		t.Fatalf("server got different credentials: %+v", opened.TURN)
	}
	expectMode(t, srv, proto.ModeP2PNegotiating, "")
	expectMode(t, cli, proto.ModeP2PNegotiating, "")
	return srv, cli, res
}

func TestP2PUpgradeStopsRelay(t *testing.T) {
	tr := newP2PRouter(t, 10*time.Second)
	srv, cli, _ := pairP2P(t, tr)

	if err := cli.Send(&proto.SignalOffer{SessionID: cli.SessionID(), SDP: "offer-sdp"}); err != nil {
		t.Fatal(err)
	}
	if m := expect[*proto.SignalOffer](t, srv); m.SDP != "offer-sdp" {
		t.Fatalf("offer %q", m.SDP)
	}
	if err := srv.Send(&proto.SignalAnswer{SDP: "answer-sdp"}); err != nil {
		t.Fatal(err)
	}
	if m := expect[*proto.SignalAnswer](t, cli); m.SDP != "answer-sdp" {
		t.Fatalf("answer %q", m.SDP)
	}
	mid := "0"
	if err := cli.Send(&proto.SignalCandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", SDPMid: &mid}); err != nil {
		t.Fatal(err)
	}
	if m := expect[*proto.SignalCandidate](t, srv); m.SDPMid == nil || *m.SDPMid != "0" {
		t.Fatalf("candidate %+v", m)
	}
	_ = cli.Send(&proto.P2PUpgraded{})
	_ = srv.Send(&proto.P2PUpgraded{})
	expectMode(t, srv, proto.ModeP2PEstablished, "")
	expectMode(t, cli, proto.ModeP2PEstablished, "")

	dropped := testutil.ToFloat64(obs.FramesDropped.WithLabelValues("p2p_established"))
	if err := cli.SendData([]byte("goes direct")); err != nil {
		t.Fatal(err)
	}
	// The session is still alive for a later close, and the data never
	// reached the server.
	if err := cli.CloseSession(""); err != nil {
		t.Fatal(err)
	}
	expectClose(t, srv, proto.ReasonClientClosed)
	if got := testutil.ToFloat64(obs.FramesDropped.WithLabelValues("p2p_established")); got-dropped != 1 {
		t.Fatalf("dropped %v frames", got-dropped)
	}
}

func TestNegotiationTimeoutFallsBackWithoutLoss(t *testing.T) {
	tr := newP2PRouter(t, 500*time.Millisecond)
	srv, cli, _ := pairP2P(t, tr)

	if err := cli.SendData([]byte("during")); err != nil {
		t.Fatal(err)
	}
	expectData(t, srv, "during")
	// Only one side upgraded before the deadline.
	_ = cli.Send(&proto.P2PUpgraded{})
	expectMode(t, srv, proto.ModeRelay, proto.ReasonNegotiationTimeout)
	expectMode(t, cli, proto.ModeRelay, proto.ReasonNegotiationTimeout)

	if err := cli.SendData([]byte("after")); err != nil {
		t.Fatal(err)
	}
	expectData(t, srv, "after")
	// Late signals are dropped rather than relayed.
	_ = srv.Send(&proto.SignalCandidate{Candidate: "late"})
	_ = srv.SendData([]byte("reply"))
	expectData(t, cli, "reply")
}

func TestFallbackAfterEstablished(t *testing.T) {
	tr := newP2PRouter(t, 10*time.Second)
	srv, cli, _ := pairP2P(t, tr)
	_ = cli.Send(&proto.P2PUpgraded{})
	_ = srv.Send(&proto.P2PUpgraded{})
	expectMode(t, srv, proto.ModeP2PEstablished, "")
	expectMode(t, cli, proto.ModeP2PEstablished, "")

	_ = srv.Send(&proto.P2PFallback{Reason: "channel_closed"})
	expectMode(t, srv, proto.ModeRelay, "channel_closed")
	expectMode(t, cli, proto.ModeRelay, "channel_closed")
	_ = cli.SendData([]byte("relayed again"))
	expectData(t, srv, "relayed again")
}

func TestP2PWithoutTURNStaysRelay(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	cli, res := tr.client(t, "demo", "S", true)
	if res.P2P {
		t.Fatal("p2p granted without TURN")
	}
	expect[*proto.SessionOpened](t, srv)
	_ = cli.SendData([]byte("x"))
	expectData(t, srv, "x")
}

func TestShutdownClosesSessions(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	expectClose(t, cli, proto.ReasonRouterShutdown)
	expectClose(t, srv, proto.ReasonRouterShutdown)
	if tr.Ready() {
		t.Fatal("still ready after shutdown")
	}
}

func TestHandshakeRateLimit(t *testing.T) {
	tr := newTestRouter(t, func(o *Options) { o.Limiter = ratelimit.New(0, 0.001, 1) })
	tr.dial(t, proto.RoleClient, nil)
	_, err := peer.Dial(context.Background(), tr.url, peer.Options{ProxySecret: proxySecret, Role: proto.RoleClient})
	if peer.Reason(err) != proto.ReasonRateLimited {
		t.Fatalf("got %v, want rate_limited", err)
	}
}

func TestReasonFor(t *testing.T) {
	cases := map[error]string{
		auth.ErrInvalidProxySecret:    proto.ReasonInvalidProxySecret,
		registry.ErrServerBusy:        proto.ReasonServerBusy,
		registry.ErrServerGone:        proto.ReasonServerGone,
		ErrUnknownServer:              proto.ReasonUnknownServer,
		proto.ErrMalformed:            proto.ReasonProtocolViolation,
		context.DeadlineExceeded:      proto.ReasonInternal,
		registry.ErrNameAlreadyActive: proto.ReasonNameAlreadyActive,
		auth.ErrInvalidServerSecret:   proto.ReasonInvalidServerSecret,
		ErrShuttingDown:               proto.ReasonRouterShutdown,
		registry.ErrInvalidName:       proto.ReasonInvalidName,
	}
	for err, want := range cases {
		if got := reasonFor(err); got != want {
			t.Errorf("reasonFor(%v) = %q, want %q", err, got, want)
		}
	}
}

func rawSend(t *testing.T, ws *websocket.Conn, m proto.Message) {
	t.Helper()
	b, err := proto.JSON.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
}

func rawRecv(t *testing.T, ws *websocket.Conn) proto.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("raw recv: %v", err)
	}
	m, err := proto.JSON.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// rawClient pairs a bare websocket client with name, bypassing the peer
// library so tests can write arbitrary frames.
func (tr *testRouter) rawClient(t *testing.T, name, secret string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	rawSend(t, ws, &proto.AuthRequest{ProxySecret: proxySecret, Role: proto.RoleClient})
	if res, ok := rawRecv(t, ws).(*proto.AuthResult); !ok || !res.OK {
		t.Fatalf("auth failed: %+v", res)
	}
	rawSend(t, ws, &proto.ConnectClient{Name: name, RegistrationSecret: secret})
	if res, ok := rawRecv(t, ws).(*proto.ConnectResult); !ok || !res.OK {
		t.Fatalf("connect failed: %+v", res)
	}
	return ws
}

func TestMalformedEnvelopeMidSession(t *testing.T) {
	tr := newTestRouter(t, nil)
	srv := tr.server(t, "demo", "S")
	ws := tr.rawClient(t, "demo", "S")
	expect[*proto.SessionOpened](t, srv)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	expectClose(t, srv, proto.ReasonProtocolViolation)
	closed, ok := rawRecv(t, ws).(*proto.Close)
	if !ok || closed.Reason != proto.ReasonProtocolViolation {
		t.Fatalf("client got %+v", closed)
	}
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("offending connection stayed open")
	}
	if tr.reg.Lookup("demo") == nil {
		t.Fatal("a malformed client frame must not deregister the server")
	}
	tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
}

func TestFallbackWhileNegotiating(t *testing.T) {
	tr := newP2PRouter(t, 10*time.Second)
	srv, cli, _ := pairP2P(t, tr)
	if err := cli.Send(&proto.SignalOffer{SDP: "offer-sdp"}); err != nil {
		t.Fatal(err)
	}
	expect[*proto.SignalOffer](t, srv)

	_ = cli.Send(&proto.P2PFallback{Reason: "ice_failed"})
	expectMode(t, srv, proto.ModeRelay, "ice_failed")
	expectMode(t, cli, proto.ModeRelay, "ice_failed")

	// Upgrades arriving after the fallback do not establish the session.
	_ = cli.Send(&proto.P2PUpgraded{})
	_ = srv.Send(&proto.P2PUpgraded{})
	if err := cli.SendData([]byte("still relayed")); err != nil {
		t.Fatal(err)
	}
	expectData(t, srv, "still relayed")
	if err := srv.SendData([]byte("reply")); err != nil {
		t.Fatal(err)
	}
	expectData(t, cli, "reply")
	for _, info := range tr.Sessions() {
		if info.Mode != proto.ModeRelay {
			t.Fatalf("session mode %s after fallback", info.Mode)
		}
	}
}

func TestOversizedFrameIsViolation(t *testing.T) {
	tr := newTestRouter(t, func(o *Options) { o.MaxMessageBytes = 4 << 10 })
	big := []byte(strings.Repeat("x", 8<<10))

	srv := tr.server(t, "demo", "S")
	cli, _ := tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	_ = cli.SendData(big)
	expectClose(t, srv, proto.ReasonProtocolViolation)
	if tr.reg.Lookup("demo") == nil {
		t.Fatal("an oversized client frame must not deregister the server")
	}

	cli, _ = tr.client(t, "demo", "S", false)
	expect[*proto.SessionOpened](t, srv)
	_ = srv.SendData(big)
	expectClose(t, cli, proto.ReasonProtocolViolation)
	waitFor(t, "deregistration", func() bool { return tr.reg.Lookup("demo") == nil })
}
