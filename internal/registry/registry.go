// Package registry maps server names to their live registrations. Names are
// spread over independently locked shards so unrelated names never contend,
// while check-and-insert for one name is atomic.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/matst80/peerlink/internal/auth"
	"github.com/matst80/peerlink/internal/obs"
)

var (
	ErrNameAlreadyActive = errors.New("name already registered")
	ErrInvalidName       = errors.New("invalid server name")
	ErrServerBusy        = errors.New("server already paired with a client")
	ErrServerGone        = errors.New("server no longer registered")
)

const (
	shardCount    = 32
	maxNameLength = 64
)

// Status is the lifecycle state of a registration.
type Status int32

const (
	StatusRegistering Status = iota
	StatusActive
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Conn is the transport handle of a registered server. The registry never
// uses it; it is kept so the router can reach the server from a lookup.
type Conn interface {
	ID() string
}

// Claimer reserves names outside this process, e.g. across router instances.
type Claimer interface {
	Claim(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// Registration is one named server presence. At most one Active registration
// exists per name.
type Registration struct {
	Name       string
	Generation uint64
	CreatedAt  time.Time

	secret auth.Digest
	conn   Conn

	mu      sync.Mutex
	status  Status
	session string
}

// Conn returns the server's transport handle.
func (r *Registration) Conn() Conn { return r.conn }

// Status returns the current lifecycle state.
func (r *Registration) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// VerifySecret checks a client's presented registration secret.
func (r *Registration) VerifySecret(presented string) error {
	return auth.VerifyServerSecret(r.secret, presented)
}

// Bind pairs the registration with sessionID. It fails with ErrServerGone if
// the registration is no longer active and ErrServerBusy if another session
// already holds it.
func (r *Registration) Bind(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusActive {
		return ErrServerGone
	}
	if r.session != "" {
		return ErrServerBusy
	}
	r.session = sessionID
	return nil
}

// Unbind releases the pairing if it is still held by sessionID.
func (r *Registration) Unbind(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != sessionID {
		return false
	}
	r.session = ""
	return true
}

// Session returns the id of the bound session, or "".
func (r *Registration) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// activate moves a registering entry to active. It fails when the entry was
// deregistered in the meantime.
func (r *Registration) activate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRegistering {
		return false
	}
	r.status = StatusActive
	return true
}

func (r *Registration) setStatus(s Status) (prev Status) {
	r.mu.Lock()
	prev = r.status
	r.status = s
	r.mu.Unlock()
	return prev
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Registration
}

// Registry is safe for concurrent use.
type Registry struct {
	shards     [shardCount]shard
	claimer    Claimer
	generation atomic.Uint64
	active     atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClaimer makes registrations additionally claim their name through c.
func WithClaimer(c Claimer) Option {
	return func(r *Registry) { r.claimer = c }
}

func New(opts ...Option) *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*Registration)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) shardFor(name string) *shard {
	return &r.shards[xxhash.Sum64String(name)%shardCount]
}

// ValidName reports whether name is acceptable as a server name.
func ValidName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Register inserts a registration for name. The existence check and the
// insertion happen under the name's shard lock; a name that is registering
// or active elsewhere in this process fails with ErrNameAlreadyActive. An
// entry deregistered before it became active fails with ErrServerGone.
func (r *Registry) Register(ctx context.Context, name, secret string, conn Conn) (*Registration, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	reg := &Registration{
		Name:       name,
		Generation: r.generation.Add(1),
		CreatedAt:  time.Now(),
		secret:     auth.NewDigest(secret),
		conn:       conn,
		status:     StatusRegistering,
	}
	sh := r.shardFor(name)
	sh.mu.Lock()
	if _, exists := sh.entries[name]; exists {
		sh.mu.Unlock()
		return nil, ErrNameAlreadyActive
	}
	sh.entries[name] = reg
	sh.mu.Unlock()

	if r.claimer != nil {
		if err := r.claimer.Claim(ctx, name); err != nil {
			sh.mu.Lock()
			if sh.entries[name] == reg {
				delete(sh.entries, name)
			}
			sh.mu.Unlock()
			reg.setStatus(StatusClosing)
			if errors.Is(err, ErrNameAlreadyActive) {
				return nil, err
			}
			return nil, fmt.Errorf("claim %s: %w", name, err)
		}
	}
	if !reg.activate() {
		// Deregistered while the claim was in flight; give the claim back.
		if r.claimer != nil {
			r.release(reg.Name)
		}
		return nil, ErrServerGone
	}
	obs.RegisteredServers.Set(float64(r.active.Add(1)))
	return reg, nil
}

// Lookup returns the active registration for name, or nil.
func (r *Registry) Lookup(name string) *Registration {
	sh := r.shardFor(name)
	sh.mu.RLock()
	reg := sh.entries[name]
	sh.mu.RUnlock()
	if reg == nil || reg.Status() != StatusActive {
		return nil
	}
	return reg
}

// Deregister removes reg. It is idempotent and never removes a newer
// registration that reuses the same name. It reports whether this call
// performed the removal.
func (r *Registry) Deregister(reg *Registration) bool {
	if reg == nil {
		return false
	}
	prev := reg.setStatus(StatusClosing)
	if prev == StatusClosing {
		return false
	}
	sh := r.shardFor(reg.Name)
	sh.mu.Lock()
	if sh.entries[reg.Name] == reg {
		delete(sh.entries, reg.Name)
	}
	sh.mu.Unlock()
	// A registration still registering was never counted, and Register
	// returns its claim itself once it sees the status change.
	if prev != StatusActive {
		return true
	}
	obs.RegisteredServers.Set(float64(r.active.Add(-1)))
	if r.claimer != nil {
		r.release(reg.Name)
	}
	return true
}

func (r *Registry) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.claimer.Release(ctx, name); err != nil {
		obs.Error("registry.release", obs.Fields{"name": name, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("registry_release").Inc()
	}
}

// Len returns the number of active registrations.
func (r *Registry) Len() int { return int(r.active.Load()) }

// Names returns the sorted names of all active registrations.
func (r *Registry) Names() []string {
	var names []string
	for _, reg := range r.Snapshot() {
		names = append(names, reg.Name)
	}
	return names
}

// Info is a point-in-time view of one registration.
type Info struct {
	Name       string    `json:"name"`
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	Session    string    `json:"session,omitempty"`
}

// Snapshot returns all active registrations sorted by name.
func (r *Registry) Snapshot() []Info {
	var out []Info
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, reg := range sh.entries {
			reg.mu.Lock()
			if reg.status == StatusActive {
				out = append(out, Info{Name: reg.Name, Generation: reg.Generation, CreatedAt: reg.CreatedAt, Session: reg.session})
			}
			reg.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
