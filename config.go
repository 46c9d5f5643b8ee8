package srpc

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/srpc/internal/protocol/frame"
	"github.com/danmuck/srpc/internal/protocol/session"
)

// DefaultEndpoint is the TLS/JSON endpoint path served by SRPC servers.
const DefaultEndpoint = session.DefaultEndpoint

type SecurityMode = session.SecurityMode

const (
	SecurityModeDevelopment = session.SecurityModeDevelopment
	SecurityModeProduction  = session.SecurityModeProduction
)

// Negotiation selects how the endpoint is announced to the server.
type Negotiation string

const (
	// NegotiateLine writes the endpoint as the first frame after the TLS
	// handshake.
	NegotiateLine Negotiation = "line"
	// NegotiateHTTPConnect issues "CONNECT <endpoint> HTTP/1.0" on the raw
	// TCP stream and starts TLS after a 200 response.
	NegotiateHTTPConnect Negotiation = "http-connect"
)

type BackoffConfig = session.BackoffConfig

// TLSConfig names the client credential files and peer verification
// settings.
type TLSConfig struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config is everything Connect needs. Host, Port, Endpoint, TLS.CertFile
// and TLS.KeyFile are required and have no defaults.
type Config struct {
	Host         string
	Port         int
	Endpoint     string
	TLS          TLSConfig
	SecurityMode SecurityMode
	Negotiation  Negotiation

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds each frame read. Zero disables the bound.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxFrameBytes int
	Backoff       BackoffConfig
}

// DefaultConfig returns the tunables with defaults and the required fields
// empty.
func DefaultConfig() Config {
	return Config{
		SecurityMode:     SecurityModeDevelopment,
		Negotiation:      NegotiateLine,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxFrameBytes:    frame.DefaultLimits().MaxFrameBytes,
		Backoff:          session.DefaultBackoffConfig(),
	}
}

// WithDefaults fills unset tunables. Required fields are left alone.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if strings.TrimSpace(string(c.Negotiation)) == "" {
		c.Negotiation = d.Negotiation
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}

// Address returns host:port.
func (c Config) Address() string {
	return joinHostPort(c.Host, c.Port)
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxFrameBytes: c.MaxFrameBytes}.WithDefaults()
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	return session.NormalizeSecurityMode(mode)
}

func (c Config) transportSecurity() session.TransportSecurity {
	return session.TransportSecurity{
		Mode:               c.SecurityMode,
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
		CAFile:             c.TLS.CAFile,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
}

// Validate checks the connection parameters and transport security policy.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if err := session.ValidateEndpoint(c.Endpoint); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Negotiation {
	case "", NegotiateLine, NegotiateHTTPConnect:
	default:
		return fmt.Errorf("%w: unknown negotiation %q", ErrInvalidConfig, c.Negotiation)
	}
	if err := c.transportSecurity().ValidateClient(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

type fileConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Endpoint           string `toml:"endpoint"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	SecurityMode       string `toml:"security_mode"`
	Negotiation        string `toml:"negotiation"`
	ConnectTimeout     string `toml:"connect_timeout"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	ReadTimeout        string `toml:"read_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	MaxFrameBytes      int    `toml:"max_frame_bytes"`
	Backoff            struct {
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"backoff"`
}

// LoadConfig overlays a TOML file onto DefaultConfig and validates the
// result. Durations use time.ParseDuration syntax.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load srpc config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, undecoded)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if meta.IsDefined("security_mode") {
		cfg.SecurityMode = SecurityMode(raw.SecurityMode)
	}
	if meta.IsDefined("negotiation") {
		cfg.Negotiation = Negotiation(strings.TrimSpace(raw.Negotiation))
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"backoff.initial_delay", raw.Backoff.InitialDelay, &cfg.Backoff.InitialDelay},
		{"backoff.max_delay", raw.Backoff.MaxDelay, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}
