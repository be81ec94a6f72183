// Package auth is the authentication gate of the router. Every connection
// presents the shared proxy secret first; servers then fix a registration
// secret that clients must repeat to connect.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidProxySecret  = errors.New("invalid proxy secret")
	ErrInvalidServerSecret = errors.New("invalid server secret")
	ErrNoProxySecret       = errors.New("proxy secret not configured")
)

// BcryptPrefix marks a configured proxy secret as a bcrypt hash rather than
// the plain secret.
const BcryptPrefix = "bcrypt:"

// Gate validates the proxy secret. It is immutable after construction and
// safe for concurrent use.
type Gate struct {
	plain  Digest
	hashed []byte
}

// NewGate builds a gate from the configured secret. A value starting with
// BcryptPrefix is treated as a bcrypt hash of the secret.
func NewGate(secret string) (*Gate, error) {
	if secret == "" {
		return nil, ErrNoProxySecret
	}
	if strings.HasPrefix(secret, BcryptPrefix) {
		hash := []byte(strings.TrimPrefix(secret, BcryptPrefix))
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, err
		}
		return &Gate{hashed: hash}, nil
	}
	return &Gate{plain: NewDigest(secret)}, nil
}

// AuthenticatePeer checks the secret presented in an auth request.
func (g *Gate) AuthenticatePeer(presented string) error {
	if g.hashed != nil {
		if bcrypt.CompareHashAndPassword(g.hashed, []byte(presented)) != nil {
			return ErrInvalidProxySecret
		}
		return nil
	}
	if !g.plain.Matches(presented) {
		return ErrInvalidProxySecret
	}
	return nil
}

// Digest is the stored form of a secret. Comparing digests of equal length in
// constant time keeps the comparison independent of where inputs differ and
// of the presented secret's length.
type Digest [32]byte

// NewDigest hashes secret for storage.
func NewDigest(secret string) Digest {
	return Digest(blake3.Sum256([]byte(secret)))
}

// Matches reports whether presented hashes to d, in constant time.
func (d Digest) Matches(presented string) bool {
	p := NewDigest(presented)
	return subtle.ConstantTimeCompare(d[:], p[:]) == 1
}

// VerifyServerSecret checks a client's presented registration secret against
// the digest stored at registration.
func VerifyServerSecret(stored Digest, presented string) error {
	if !stored.Matches(presented) {
		return ErrInvalidServerSecret
	}
	return nil
}
