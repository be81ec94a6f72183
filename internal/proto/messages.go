// Package proto defines the envelope messages exchanged between peers and the
// router. The message set is closed: every kind has a Type constant and a
// concrete struct, and decoded messages are always returned as pointers.
package proto

// Type is the wire discriminant of an envelope.
type Type string

const (
	TypeAuthRequest     Type = "auth_request"
	TypeAuthResult      Type = "auth_result"
	TypeRegisterServer  Type = "register_server"
	TypeRegisterResult  Type = "register_result"
	TypeConnectClient   Type = "connect_client"
	TypeConnectResult   Type = "connect_result"
	TypeSessionOpened   Type = "session_opened"
	TypeListServers     Type = "list_servers"
	TypeServerList      Type = "server_list"
	TypeData            Type = "data"
	TypeSignalOffer     Type = "signal_offer"
	TypeSignalAnswer    Type = "signal_answer"
	TypeSignalCandidate Type = "signal_candidate"
	TypeP2PUpgraded     Type = "p2p_upgraded"
	TypeP2PFallback     Type = "p2p_fallback"
	TypeModeChanged     Type = "mode_changed"
	TypeClose           Type = "close"
)

// Role is the side a peer authenticates as.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleServer || r == RoleClient }

// Mode is the transport mode of a session.
type Mode string

const (
	ModeRelay          Mode = "relay"
	ModeP2PNegotiating Mode = "p2p_negotiating"
	ModeP2PEstablished Mode = "p2p_established"
	ModeClosed         Mode = "closed"
)

// Reason codes carried by results, mode changes and close frames.
const (
	ReasonInvalidProxySecret  = "invalid_proxy_secret"
	ReasonInvalidServerSecret = "invalid_server_secret"
	ReasonUnknownServer       = "unknown_server"
	ReasonNameAlreadyActive   = "name_already_active"
	ReasonServerBusy          = "server_busy"
	ReasonServerGone          = "server_gone"
	ReasonInvalidName         = "invalid_name"
	ReasonProtocolViolation   = "protocol_violation"
	ReasonRateLimited         = "rate_limited"
	ReasonClientDisconnected  = "client_disconnected"
	ReasonServerClosed        = "server_closed"
	ReasonClientClosed        = "client_closed"
	ReasonRouterShutdown      = "router_shutdown"
	ReasonNegotiationTimeout  = "negotiation_timeout"
	ReasonInternal            = "internal_error"
)

// Message is implemented by every envelope payload.
type Message interface {
	Type() Type
}

// TURNCredentials grant both peers of a session access to the TURN relay.
type TURNCredentials struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// AuthRequest must be the first message on every connection.
type AuthRequest struct {
	ProxySecret string `json:"proxy_secret"`
	Role        Role   `json:"role"`
}

type AuthResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// RegisterServer announces a server under Name. Clients must present the same
// RegistrationSecret to connect.
type RegisterServer struct {
	Name               string `json:"name"`
	RegistrationSecret string `json:"registration_secret"`
}

type RegisterResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Name   string `json:"name,omitempty"`
}

type ConnectClient struct {
	Name               string `json:"name"`
	RegistrationSecret string `json:"registration_secret"`
	WantP2P            bool   `json:"want_p2p"`
}

type ConnectResult struct {
	OK        bool             `json:"ok"`
	Reason    string           `json:"reason,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Name      string           `json:"name,omitempty"`
	P2P       bool             `json:"p2p,omitempty"`
	TURN      *TURNCredentials `json:"turn,omitempty"`
}

// SessionOpened tells a registered server that a client has been paired with it.
type SessionOpened struct {
	SessionID string           `json:"session_id"`
	P2P       bool             `json:"p2p,omitempty"`
	TURN      *TURNCredentials `json:"turn,omitempty"`
}

type ListServers struct{}

type ServerList struct {
	Names []string `json:"names"`
}

// Data is relayed verbatim to the session counterpart.
//
// SessionID is optional on every session-scoped frame a peer sends. When set
// and it no longer names the sender's current session the router drops the
// frame instead of delivering it into a newer session.
type Data struct {
	SessionID string `json:"session_id,omitempty"`
	Bytes     []byte `json:"bytes"`
}

type SignalOffer struct {
	SessionID string `json:"session_id,omitempty"`
	SDP       string `json:"sdp"`
}

type SignalAnswer struct {
	SessionID string `json:"session_id,omitempty"`
	SDP       string `json:"sdp"`
}

type SignalCandidate struct {
	SessionID     string  `json:"session_id,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

type P2PUpgraded struct {
	SessionID string `json:"session_id,omitempty"`
}

type P2PFallback struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ModeChanged is sent by the router to both peers on every transport mode
// transition of their session.
type ModeChanged struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason,omitempty"`
}

type Close struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (AuthRequest) Type() Type     { return TypeAuthRequest }
func (AuthResult) Type() Type      { return TypeAuthResult }
func (RegisterServer) Type() Type  { return TypeRegisterServer }
func (RegisterResult) Type() Type  { return TypeRegisterResult }
func (ConnectClient) Type() Type   { return TypeConnectClient }
func (ConnectResult) Type() Type   { return TypeConnectResult }
func (SessionOpened) Type() Type   { return TypeSessionOpened }
func (ListServers) Type() Type     { return TypeListServers }
func (ServerList) Type() Type      { return TypeServerList }
func (Data) Type() Type            { return TypeData }
func (SignalOffer) Type() Type     { return TypeSignalOffer }
func (SignalAnswer) Type() Type    { return TypeSignalAnswer }
func (SignalCandidate) Type() Type { return TypeSignalCandidate }
func (P2PUpgraded) Type() Type     { return TypeP2PUpgraded }
func (P2PFallback) Type() Type     { return TypeP2PFallback }
func (ModeChanged) Type() Type     { return TypeModeChanged }
func (Close) Type() Type           { return TypeClose }

// New returns an empty message of kind t, or false for unknown kinds.
func New(t Type) (Message, bool) {
	switch t {
	case TypeAuthRequest:
		return &AuthRequest{}, true
	case TypeAuthResult:
		return &AuthResult{}, true
	case TypeRegisterServer:
		return &RegisterServer{}, true
	case TypeRegisterResult:
		return &RegisterResult{}, true
	case TypeConnectClient:
		return &ConnectClient{}, true
	case TypeConnectResult:
		return &ConnectResult{}, true
	case TypeSessionOpened:
		return &SessionOpened{}, true
	case TypeListServers:
		return &ListServers{}, true
	case TypeServerList:
		return &ServerList{}, true
	case TypeData:
		return &Data{}, true
	case TypeSignalOffer:
		return &SignalOffer{}, true
	case TypeSignalAnswer:
		return &SignalAnswer{}, true
	case TypeSignalCandidate:
		return &SignalCandidate{}, true
	case TypeP2PUpgraded:
		return &P2PUpgraded{}, true
	case TypeP2PFallback:
		return &P2PFallback{}, true
	case TypeModeChanged:
		return &ModeChanged{}, true
	case TypeClose:
		return &Close{}, true
	}
	return nil, false
}

// SessionScoped returns the session id carried by session-scoped frames a
// peer sends, and whether m is such a frame.
func SessionScoped(m Message) (string, bool) {
	switch m := m.(type) {
	case *Data:
		return m.SessionID, true
	case *SignalOffer:
		return m.SessionID, true
	case *SignalAnswer:
		return m.SessionID, true
	case *SignalCandidate:
		return m.SessionID, true
	case *P2PUpgraded:
		return m.SessionID, true
	case *P2PFallback:
		return m.SessionID, true
	}
	return "", false
}

// IsSignal reports whether t is one of the negotiation signaling kinds that
// are relayed verbatim between peers.
func IsSignal(t Type) bool {
	return t == TypeSignalOffer || t == TypeSignalAnswer || t == TypeSignalCandidate
}
