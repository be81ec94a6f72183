package router

import (
	"errors"

	"github.com/matst80/peerlink/internal/auth"
	"github.com/matst80/peerlink/internal/proto"
	"github.com/matst80/peerlink/internal/registry"
)

var (
	ErrUnknownServer     = errors.New("no active server under that name")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrShuttingDown      = errors.New("router shutting down")
)

// reasonFor maps an error to the reason code sent on the wire. Unknown errors
// never leak their text to the peer.
func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrInvalidProxySecret):
		return proto.ReasonInvalidProxySecret
	case errors.Is(err, auth.ErrInvalidServerSecret):
		return proto.ReasonInvalidServerSecret
	case errors.Is(err, ErrUnknownServer):
		return proto.ReasonUnknownServer
	case errors.Is(err, registry.ErrNameAlreadyActive):
		return proto.ReasonNameAlreadyActive
	case errors.Is(err, registry.ErrServerBusy):
		return proto.ReasonServerBusy
	case errors.Is(err, registry.ErrServerGone):
		return proto.ReasonServerGone
	case errors.Is(err, registry.ErrInvalidName):
		return proto.ReasonInvalidName
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, proto.ErrMalformed):
		return proto.ReasonProtocolViolation
	case errors.Is(err, ErrShuttingDown):
		return proto.ReasonRouterShutdown
	}
	return proto.ReasonInternal
}
