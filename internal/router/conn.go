package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matst80/peerlink/internal/obs"
	"github.com/matst80/peerlink/internal/proto"
)

const writeWait = 10 * time.Second

// errTransport wraps read failures of the underlying websocket, as opposed
// to frames that arrived but could not be decoded.
var errTransport = errors.New("transport closed")

type outbound struct {
	msg proto.Message
	// final frames are the last thing written before the socket is closed.
	final bool
}

// peerConn is one authenticated-or-authenticating websocket. A single reader
// goroutine (the handler) consumes inbound frames; a single writer goroutine
// drains out, so frames enqueued from one goroutine are written in order.
type peerConn struct {
	id     string
	ws     *websocket.Conn
	codec  proto.Codec
	remote string
	out    chan outbound
	done   chan struct{}

	closeOnce sync.Once
	role      atomic.Value
	ready     atomic.Bool

	idleTimeout   time.Duration
	notifyTimeout time.Duration
}

func newPeerConn(ws *websocket.Conn, remote string, queueDepth int, idle, notify time.Duration) *peerConn {
	return &peerConn{
		id:            uuid.NewString(),
		ws:            ws,
		codec:         proto.ForSubprotocol(ws.Subprotocol()),
		remote:        remote,
		out:           make(chan outbound, queueDepth),
		done:          make(chan struct{}),
		idleTimeout:   idle,
		notifyTimeout: notify,
	}
}

// ID identifies the connection in logs and in the registry.
func (c *peerConn) ID() string { return c.id }

func (c *peerConn) setRole(r proto.Role) { c.role.Store(r) }

func (c *peerConn) peerRole() proto.Role {
	r, _ := c.role.Load().(proto.Role)
	return r
}

// close tears the socket down. Safe to call from any goroutine, any number
// of times.
func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}

// read returns the next decoded frame. Transport failures wrap errTransport;
// undecodable frames wrap proto.ErrMalformed.
func (c *peerConn) read() (proto.Message, error) {
	mt, data, err := c.ws.ReadMessage()
	if errors.Is(err, websocket.ErrReadLimit) {
		return nil, fmt.Errorf("%w: %v", proto.ErrMalformed, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTransport, err)
	}
	c.extendDeadline()
	if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d", proto.ErrMalformed, mt)
	}
	return c.codec.Decode(data)
}

func (c *peerConn) extendDeadline() {
	if c.idleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// writeLoop is the only goroutine writing data frames to the socket.
func (c *peerConn) writeLoop() {
	var ping <-chan time.Time
	if c.idleTimeout > 0 {
		t := time.NewTicker(c.idleTimeout / 2)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case o := <-c.out:
			if err := c.write(o.msg); err != nil {
				obs.Debug("conn.write", obs.Fields{"conn": c.id, "err": err.Error()})
				c.close()
				return
			}
			if o.final {
				c.close()
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *peerConn) write(m proto.Message) error {
	b, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, b)
}

// enqueue blocks until m is queued, the connection closes or stop fires.
// This is where a slow destination backpressures its source.
func (c *peerConn) enqueue(m proto.Message, stop <-chan struct{}) bool {
	select {
	case c.out <- outbound{msg: m}:
		return true
	case <-c.done:
		return false
	case <-stop:
		return false
	}
}

// reply queues a response to this connection's own peer.
func (c *peerConn) reply(m proto.Message) bool {
	return c.enqueue(m, nil)
}

// finish queues m as the final frame and waits briefly for it to be flushed
// before the socket is closed.
func (c *peerConn) finish(m proto.Message) {
	select {
	case c.out <- outbound{msg: m, final: true}:
		select {
		case <-c.done:
		case <-time.After(c.notifyTimeout):
		}
	case <-c.done:
	case <-time.After(c.notifyTimeout):
	}
	c.close()
}

// notify is a best-effort delivery that never blocks the caller: if the
// queue is full, a detached goroutine keeps trying until notifyTimeout.
// then, if non-nil, runs after the frame is queued or abandoned.
func (c *peerConn) notify(m proto.Message, final bool, then func()) {
	o := outbound{msg: m, final: final}
	select {
	case c.out <- o:
		if then != nil {
			then()
		}
		return
	case <-c.done:
		if then != nil {
			then()
		}
		return
	default:
	}
	go func() {
		t := time.NewTimer(c.notifyTimeout)
		defer t.Stop()
		select {
		case c.out <- o:
		case <-c.done:
		case <-t.C:
			obs.Warn("conn.notify.dropped", obs.Fields{"conn": c.id, "type": string(m.Type())})
			obs.FramesDropped.WithLabelValues("notify_timeout").Inc()
			if final {
				c.close()
			}
		}
		if then != nil {
			then()
		}
	}()
}
