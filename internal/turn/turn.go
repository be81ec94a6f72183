// Package turn issues the TURN access credentials handed to both peers of a
// session when they attempt a direct connection. The router does not run a
// TURN server itself.
package turn

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"

	"github.com/matst80/peerlink/internal/proto"
)

// Config describes where peers find the TURN relay and how they authenticate.
type Config struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
	// SharedSecret switches to time-scoped credentials (coturn
	// use-auth-secret / static-auth-secret).
	SharedSecret string        `yaml:"shared_secret"`
	TTL          time.Duration `yaml:"ttl"`
	// STUNServer is queried for the router's public address when URL is empty.
	STUNServer string `yaml:"stun_server"`
	Port       int    `yaml:"port"`
}

// Default mirrors a compose setup with a coturn container next to the router.
func Default() Config {
	return Config{
		URL:        "turn:coturn:3478",
		Username:   "peer",
		Credential: "peer-secret",
		TTL:        time.Hour,
		Port:       3478,
	}
}

// Provider hands out credentials. It is immutable and safe for concurrent use.
type Provider struct {
	cfg Config
	now func() time.Time
}

// NewProvider resolves the TURN URL, discovering the public address over
// STUN when none is configured.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		if cfg.STUNServer == "" {
			return nil, errors.New("turn: url or stun_server required")
		}
		ip, err := DiscoverPublicIP(ctx, cfg.STUNServer)
		if err != nil {
			return nil, fmt.Errorf("turn: discover public address: %w", err)
		}
		port := cfg.Port
		if port == 0 {
			port = 3478
		}
		cfg.URL = "turn:" + net.JoinHostPort(ip.String(), strconv.Itoa(port))
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Provider{cfg: cfg, now: time.Now}, nil
}

// URL returns the resolved TURN URL.
func (p *Provider) URL() string { return p.cfg.URL }

// Issue returns credentials for one session. With a shared secret the
// username is "<expiry>:<sessionID>" and the credential is the base64
// HMAC-SHA1 of the username; otherwise the static pair is returned.
func (p *Provider) Issue(sessionID string) *proto.TURNCredentials {
	if p.cfg.SharedSecret == "" {
		return &proto.TURNCredentials{URL: p.cfg.URL, Username: p.cfg.Username, Credential: p.cfg.Credential}
	}
	expiry := p.now().Add(p.cfg.TTL).Unix()
	username := strconv.FormatInt(expiry, 10) + ":" + sessionID
	mac := hmac.New(sha1.New, []byte(p.cfg.SharedSecret))
	mac.Write([]byte(username))
	return &proto.TURNCredentials{
		URL:        p.cfg.URL,
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		TTLSeconds: int(p.cfg.TTL / time.Second),
	}
}

// DiscoverPublicIP sends a STUN binding request to server and returns the
// reflexive address it reports.
func DiscoverPublicIP(ctx context.Context, server string) (net.IP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = conn.SetDeadline(deadline)

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(req.Raw); err != nil {
		return nil, err
	}
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err == nil {
			return xor.IP, nil
		}
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(res); err != nil {
			return nil, fmt.Errorf("stun response without mapped address: %w", err)
		}
		return mapped.IP, nil
	}
}
