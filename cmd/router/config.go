package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/matst80/peerlink/internal/router"
	"github.com/matst80/peerlink/internal/turn"
)

const envProxySecret = "PEERLINK_PROXY_SECRET"

// Config holds all runtime configuration. Values come from defaults, then the
// YAML file, then the environment, then explicitly set flags.
type Config struct {
	Listen         string        `yaml:"listen"`
	Path           string        `yaml:"path"`
	AdminAddr      string        `yaml:"admin_addr"`
	ProxySecret    string        `yaml:"proxy_secret"`
	Debug          bool          `yaml:"debug"`
	LogFormat      string        `yaml:"log_format"`
	TrustForwarded bool          `yaml:"trust_forwarded"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`

	Relay     RelayConfig     `yaml:"relay"`
	P2P       P2PConfig       `yaml:"p2p"`
	TURN      turn.Config     `yaml:"turn"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RelayConfig struct {
	QueueDepth       int           `yaml:"queue_depth"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	NotifyTimeout    time.Duration `yaml:"notify_timeout"`
}

type P2PConfig struct {
	Enabled            bool          `yaml:"enabled"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
}

// RedisConfig enables cross-instance name claims when Addr is set.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	InstanceID string        `yaml:"instance_id"`
	TTL        time.Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	GlobalPerSec float64       `yaml:"global_per_sec"`
	PerIPPerSec  float64       `yaml:"per_ip_per_sec"`
	Burst        int           `yaml:"burst"`
	IdleTTL      time.Duration `yaml:"idle_ttl"`
}

func Default() *Config {
	return &Config{
		Listen:        ":8000",
		Path:          "/ws",
		AdminAddr:     ":9100",
		LogFormat:     "json",
		ShutdownGrace: 10 * time.Second,
		Relay: RelayConfig{
			QueueDepth:       64,
			MaxMessageBytes:  router.DefaultMaxMessageBytes,
			IdleTimeout:      60 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			NotifyTimeout:    2 * time.Second,
		},
		P2P: P2PConfig{
			Enabled:            true,
			NegotiationTimeout: 15 * time.Second,
		},
		TURN: turn.Default(),
		Redis: RedisConfig{
			KeyPrefix: "peerlink:server:",
			TTL:       time.Minute,
		},
		RateLimit: RateLimitConfig{
			GlobalPerSec: 200,
			PerIPPerSec:  5,
			Burst:        10,
			IdleTTL:      10 * time.Minute,
		},
	}
}

// bindFlags registers the flag overrides. Flags write into c directly, so c
// must hold the defaults when this is called.
func bindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "peer websocket listen address")
	fs.StringVar(&c.Path, "path", c.Path, "peer websocket path")
	fs.StringVar(&c.AdminAddr, "admin", c.AdminAddr, "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&c.ProxySecret, "proxy-secret", c.ProxySecret, "shared secret every peer must present (or bcrypt:<hash>); env "+envProxySecret)
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or console")
	fs.BoolVar(&c.TrustForwarded, "trust-forwarded", c.TrustForwarded, "take the peer address from X-Forwarded-For")
	fs.IntVar(&c.Relay.QueueDepth, "queue-depth", c.Relay.QueueDepth, "outbound frames buffered per connection")
	fs.DurationVar(&c.Relay.IdleTimeout, "idle-timeout", c.Relay.IdleTimeout, "close peers silent for this long (0 disables)")
	fs.BoolVar(&c.P2P.Enabled, "p2p", c.P2P.Enabled, "offer TURN assisted p2p upgrades")
	fs.DurationVar(&c.P2P.NegotiationTimeout, "negotiation-timeout", c.P2P.NegotiationTimeout, "fall back to relay when p2p negotiation takes longer")
	fs.StringVar(&c.TURN.URL, "turn-url", c.TURN.URL, "TURN url handed to peers (empty discovers the public address over STUN)")
	fs.StringVar(&c.TURN.Username, "turn-username", c.TURN.Username, "static TURN username")
	fs.StringVar(&c.TURN.Credential, "turn-credential", c.TURN.Credential, "static TURN credential")
	fs.StringVar(&c.TURN.SharedSecret, "turn-shared-secret", c.TURN.SharedSecret, "coturn static-auth-secret for time scoped credentials")
	fs.StringVar(&c.TURN.STUNServer, "stun-server", c.TURN.STUNServer, "STUN server used to discover the public address")
	fs.StringVar(&c.Redis.Addr, "redis", c.Redis.Addr, "redis address for cross-instance name claims")
}

// resolve layers the config file and environment under the flags that were
// set explicitly on the command line.
func (c *Config) resolve(fs *pflag.FlagSet, path string) error {
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if v := os.Getenv(envProxySecret); v != "" {
		c.ProxySecret = v
	}
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return c.Validate()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string
	if c.ProxySecret == "" {
		errs = append(errs, "proxy_secret is required (flag, file or "+envProxySecret+")")
	}
	if c.Listen == "" {
		errs = append(errs, "listen is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, "path must start with /")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Sprintf("invalid log_format %q (json or console)", c.LogFormat))
	}
	if c.Relay.QueueDepth < 1 {
		errs = append(errs, "relay.queue_depth must be at least 1")
	}
	if c.Relay.MaxMessageBytes < 1024 {
		errs = append(errs, "relay.max_message_bytes must be at least 1024")
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, "relay.idle_timeout must not be negative")
	}
	if c.P2P.Enabled {
		if c.P2P.NegotiationTimeout <= 0 {
			errs = append(errs, "p2p.negotiation_timeout must be positive")
		}
		if c.TURN.URL == "" && c.TURN.STUNServer == "" {
			errs = append(errs, "turn.url or turn.stun_server is required when p2p is enabled")
		}
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit.burst must not be negative")
	}
	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}
