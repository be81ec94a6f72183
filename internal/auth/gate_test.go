package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGatePlainSecret(t *testing.T) {
	g, err := NewGate("hunter2")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.AuthenticatePeer("hunter2"); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
	for _, bad := range []string{"", "hunter", "hunter22", "HUNTER2"} {
		if err := g.AuthenticatePeer(bad); !errors.Is(err, ErrInvalidProxySecret) {
			t.Errorf("AuthenticatePeer(%q) = %v, want ErrInvalidProxySecret", bad, err)
		}
	}
}

func TestGateBcryptSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	g, err := NewGate(BcryptPrefix + string(hash))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.AuthenticatePeer("hunter2"); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
	if err := g.AuthenticatePeer("nope"); !errors.Is(err, ErrInvalidProxySecret) {
		t.Fatalf("got %v", err)
	}
}

func TestGateRejectsBadConfig(t *testing.T) {
	if _, err := NewGate(""); !errors.Is(err, ErrNoProxySecret) {
		t.Fatalf("empty secret: %v", err)
	}
	if _, err := NewGate(BcryptPrefix + "not-a-hash"); err == nil {
		t.Fatal("expected error for malformed bcrypt hash")
	}
}

func TestVerifyServerSecret(t *testing.T) {
	d := NewDigest("S")
	if err := VerifyServerSecret(d, "S"); err != nil {
		t.Fatalf("matching secret: %v", err)
	}
	if err := VerifyServerSecret(d, "s"); !errors.Is(err, ErrInvalidServerSecret) {
		t.Fatalf("mismatch: %v", err)
	}
}
