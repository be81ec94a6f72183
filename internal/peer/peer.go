// Package peer is the endpoint side of the router protocol, used by server
// and client peers alike.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
)

// ErrUnexpected is returned when the router answers with a message kind the
// current step does not expect.
var ErrUnexpected = errors.New("unexpected message from router")

// RejectedError carries the reason code of a refused step.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string { return e.Op + " rejected: " + e.Reason }

// Reason returns the router's reason code if err is a rejection.
func Reason(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

type Options struct {
	ProxySecret string
	Role        proto.Role
	// Codec defaults to JSON.
	Codec            proto.Codec
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Conn is one authenticated connection to the router. Send is safe for
// concurrent use; Recv must be called from a single goroutine.
type Conn struct {
	ws    *websocket.Conn
	codec proto.Codec

	wmu sync.Mutex

	mu      sync.Mutex
	session string
}

// Dial connects to the router websocket at url and authenticates with
// opts.ProxySecret in opts.Role.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	if opts.Codec == nil {
		opts.Codec = proto.JSON
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	d := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{opts.Codec.Subprotocol()},
	}
	ws, resp, err := d.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, &RejectedError{Op: "dial", Reason: proto.ReasonRateLimited}
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{ws: ws, codec: proto.ForSubprotocol(ws.Subprotocol())}
	if err := c.Authenticate(opts.ProxySecret, opts.Role); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// SessionID returns the current session, or "" when unpaired.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// Send writes one message.
func (c *Conn) Send(m proto.Message) error {
	b, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(mt, b)
}

// SendData relays b to the counterpart, tagged with the current session.
func (c *Conn) SendData(b []byte) error {
	return c.Send(&proto.Data{SessionID: c.SessionID(), Bytes: b})
}

// Recv reads the next message. Session bookkeeping follows the frames seen:
// session_opened starts a session, close ends it.
func (c *Conn) Recv() (proto.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	m, err := c.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	switch m := m.(type) {
	case *proto.SessionOpened:
		c.setSession(m.SessionID)
	case *proto.Close:
		if m.SessionID == "" || m.SessionID == c.SessionID() {
			c.setSession("")
		}
	}
	return m, nil
}

func (c *Conn) roundTrip(req proto.Message) (proto.Message, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}
	return c.Recv()
}

// Authenticate presents the proxy secret. Dial already does this.
func (c *Conn) Authenticate(secret string, role proto.Role) error {
	m, err := c.roundTrip(&proto.AuthRequest{ProxySecret: secret, Role: role})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	res, ok := m.(*proto.AuthResult)
	if !ok {
		return fmt.Errorf("authenticate: %w: %s", ErrUnexpected, m.Type())
	}
	if !res.OK {
		return &RejectedError{Op: "auth", Reason: res.Reason}
	}
	return nil
}

// Register announces this server peer under name.
func (c *Conn) Register(name, secret string) error {
	m, err := c.roundTrip(&proto.RegisterServer{Name: name, RegistrationSecret: secret})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	res, ok := m.(*proto.RegisterResult)
	if !ok {
		return fmt.Errorf("register: %w: %s", ErrUnexpected, m.Type())
	}
	if !res.OK {
		return &RejectedError{Op: "register", Reason: res.Reason}
	}
	return nil
}

// Connect pairs this client peer with the server registered as name.
func (c *Conn) Connect(name, secret string, wantP2P bool) (*proto.ConnectResult, error) {
	m, err := c.roundTrip(&proto.ConnectClient{Name: name, RegistrationSecret: secret, WantP2P: wantP2P})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	switch m := m.(type) {
	case *proto.ConnectResult:
		if !m.OK {
			return m, &RejectedError{Op: "connect", Reason: m.Reason}
		}
		c.setSession(m.SessionID)
		return m, nil
	case *proto.Close:
		// The server vanished while the pairing was in flight.
		return nil, &RejectedError{Op: "connect", Reason: m.Reason}
	}
	return nil, fmt.Errorf("connect: %w: %s", ErrUnexpected, m.Type())
}

// ListServers asks for the names of the registered servers. Only valid for
// clients before Connect.
func (c *Conn) ListServers() ([]string, error) {
	m, err := c.roundTrip(&proto.ListServers{})
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	res, ok := m.(*proto.ServerList)
	if !ok {
		return nil, fmt.Errorf("list servers: %w: %s", ErrUnexpected, m.Type())
	}
	return res.Names, nil
}

// CloseSession asks the router to end the current session.
func (c *Conn) CloseSession(reason string) error {
	return c.Send(&proto.Close{SessionID: c.SessionID(), Reason: reason})
}

// SetReadDeadline bounds the next Recv calls. A zero t disables it.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

// Close closes the websocket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// Reconnect runs fn until ctx ends, waiting with exponential backoff up to
// maxDelay between failed attempts. An attempt that ran longer than maxDelay resets
// the backoff. Rejections with a permanent reason stop the loop.
func Reconnect(ctx context.Context, maxDelay time.Duration, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: maxDelay, Factor: 2, Jitter: true}
	for {
		started := time.Now()
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanent(err) {
			return err
		}
		if time.Since(started) > maxDelay {
			b.Reset()
		}
		d := b.Duration()
		fields := obs.Fields{"attempt": int(b.Attempt()), "retry_in": d.String()}
		if err != nil {
			fields["err"] = err.Error()
		}
		obs.Warn("peer.reconnect", fields)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func permanent(err error) bool {
	switch Reason(err) {
	case proto.ReasonInvalidProxySecret, proto.ReasonInvalidServerSecret, proto.ReasonInvalidName:
		return true
	}
	return false
}
