package turn

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

func TestStaticCredentials(t *testing.T) {
	p, err := NewProvider(context.Background(), Default())
	if err != nil {
		t.Fatal(err)
	}
	a := p.Issue("s1")
	b := p.Issue("s2")
	if a.URL != "turn:coturn:3478" || a.Username != "peer" || a.Credential != "peer-secret" {
		t.Fatalf("unexpected static credentials %+v", a)
	}
	if *a != *b {
		t.Fatal("static credentials differ between sessions")
	}
}

func TestTimeScopedCredentials(t *testing.T) {
	cfg := Default()
	cfg.SharedSecret = "coturn-secret"
	cfg.TTL = 10 * time.Minute
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return fixed }

	c := p.Issue("abc")
	if c.Username != "1700000600:abc" {
		t.Fatalf("username = %q", c.Username)
	}
	mac := hmac.New(sha1.New, []byte("coturn-secret"))
	mac.Write([]byte(c.Username))
	if c.Credential != base64.StdEncoding.EncodeToString(mac.Sum(nil)) {
		t.Fatal("credential is not the HMAC-SHA1 of the username")
	}
	if c.TTLSeconds != 600 {
		t.Fatalf("ttl = %d", c.TTLSeconds)
	}
}

func TestProviderNeedsURLOrSTUN(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without url or stun server")
	}
}

// fakeSTUN answers one binding request with a fixed reflexive address.
func fakeSTUN(t *testing.T, reflexive net.IP) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 1500)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		req := &stun.Message{Raw: buf[:n]}
		if err := req.Decode(); err != nil {
			return
		}
		res, err := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: reflexive, Port: 40000},
		)
		if err != nil {
			return
		}
		_, _ = pc.WriteTo(res.Raw, addr)
	}()
	return pc.LocalAddr().String()
}

func TestDiscoveredURL(t *testing.T) {
	server := fakeSTUN(t, net.ParseIP("203.0.113.7"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := NewProvider(ctx, Config{STUNServer: server, Port: 3478})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.URL() != "turn:203.0.113.7:3478" {
		t.Fatalf("url = %q", p.URL())
	}
	if !strings.HasPrefix(p.Issue("x").URL, "turn:203.0.113.7") {
		t.Fatal("issued credentials do not carry the discovered url")
	}
}
