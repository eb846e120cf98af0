package interceptor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"time"

	"gamerelay/packet"
	"gamerelay/redirect"
	"gamerelay/shared"

	"github.com/joho/godotenv"
)

const (
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

type Config struct {
	// Client side
	ListenAddr string `json:"listen_addr"`

	// Real game server
	GameHost        string `json:"game_host"`
	GamePort        int    `json:"game_port"`
	UpstreamNetwork string `json:"upstream_network"` // tcp or vsock
	UpstreamCID     uint32 `json:"upstream_vsock_cid"`
	DialAttempts    int    `json:"dial_attempts"`
	DialTimeout     time.Duration
	DNSServer       string `json:"dns_server"`

	// Host redirection
	RedirectEnabled bool   `json:"redirect_enabled"`
	HostsFile       string `json:"hosts_file"`

	// Relay loop
	PollInterval   time.Duration
	MaxFrameLength int `json:"max_frame_length"`

	// Key recovery
	RecoverySettleDelay time.Duration
	RecoverySampleSize  int    `json:"recovery_sample_size"`
	KeySeedHex          string `json:"-"`
	KeySeedFile         string `json:"key_seed_file"`

	// Message catalog
	CatalogFile     string `json:"catalog_file"`
	CatalogDocument string `json:"catalog_document"`
	CatalogTimeout  time.Duration

	// Traffic monitor, disabled when empty
	MonitorAddr string `json:"monitor_addr"`

	Development bool `json:"development"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          "127.0.0.1:38101",
		GameHost:            "game-us.habbo.com",
		GamePort:            38101,
		UpstreamNetwork:     NetworkTCP,
		DialAttempts:        5,
		DialTimeout:         10 * time.Second,
		DNSServer:           "8.8.8.8:53",
		RedirectEnabled:     true,
		HostsFile:           redirect.DefaultHostsPath(),
		PollInterval:        20 * time.Millisecond,
		MaxFrameLength:      packet.DefaultMaxFrameLength,
		RecoverySettleDelay: time.Second,
		RecoverySampleSize:  1024,
		CatalogDocument:     "messages.json",
		CatalogTimeout:      30 * time.Second,
	}
}

// LoadConfig reads an optional .env file (or the given files) and then the
// process environment on top of the defaults.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	d := DefaultConfig()
	cfg := &Config{
		ListenAddr:          shared.GetEnvOrDefault("LISTEN_ADDR", d.ListenAddr),
		GameHost:            shared.GetEnvOrDefault("GAME_HOST", d.GameHost),
		GamePort:            shared.GetEnvIntOrDefault("GAME_PORT", d.GamePort),
		UpstreamNetwork:     shared.GetEnvOrDefault("UPSTREAM_NETWORK", d.UpstreamNetwork),
		UpstreamCID:         shared.GetEnvUint32OrDefault("UPSTREAM_VSOCK_CID", d.UpstreamCID),
		DialAttempts:        shared.GetEnvIntOrDefault("DIAL_ATTEMPTS", d.DialAttempts),
		DialTimeout:         shared.GetEnvDurationOrDefault("DIAL_TIMEOUT", d.DialTimeout),
		DNSServer:           shared.GetEnvOrDefault("DNS_SERVER", d.DNSServer),
		RedirectEnabled:     shared.GetEnvBoolOrDefault("REDIRECT_ENABLED", d.RedirectEnabled),
		HostsFile:           shared.GetEnvOrDefault("HOSTS_FILE", d.HostsFile),
		PollInterval:        shared.GetEnvDurationOrDefault("PAUSE_POLL_INTERVAL", d.PollInterval),
		MaxFrameLength:      shared.GetEnvIntOrDefault("MAX_FRAME_LENGTH", d.MaxFrameLength),
		RecoverySettleDelay: shared.GetEnvDurationOrDefault("RECOVERY_SETTLE_DELAY", d.RecoverySettleDelay),
		RecoverySampleSize:  shared.GetEnvIntOrDefault("RECOVERY_SAMPLE_SIZE", d.RecoverySampleSize),
		KeySeedHex:          shared.GetEnvOrDefault("KEY_SEED_HEX", ""),
		KeySeedFile:         shared.GetEnvOrDefault("KEY_SEED_FILE", ""),
		CatalogFile:         shared.GetEnvOrDefault("CATALOG_FILE", ""),
		CatalogDocument:     shared.GetEnvOrDefault("CATALOG_DOCUMENT", d.CatalogDocument),
		CatalogTimeout:      shared.GetEnvDurationOrDefault("CATALOG_TIMEOUT", d.CatalogTimeout),
		MonitorAddr:         shared.GetEnvOrDefault("MONITOR_ADDR", ""),
		Development:         shared.GetEnvBoolOrDefault("DEVELOPMENT", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("LISTEN_ADDR: %w", err))
	}
	if c.GameHost == "" && c.UpstreamNetwork == NetworkTCP {
		errs = append(errs, errors.New("GAME_HOST is required"))
	}
	if c.GamePort <= 0 || c.GamePort > 65535 {
		errs = append(errs, fmt.Errorf("GAME_PORT out of range: %d", c.GamePort))
	}
	switch c.UpstreamNetwork {
	case NetworkTCP:
	case NetworkVsock:
		if c.UpstreamCID == 0 {
			errs = append(errs, errors.New("UPSTREAM_VSOCK_CID is required for vsock"))
		}
	default:
		errs = append(errs, fmt.Errorf("UPSTREAM_NETWORK must be tcp or vsock, got %q", c.UpstreamNetwork))
	}
	if c.DialAttempts < 1 {
		errs = append(errs, fmt.Errorf("DIAL_ATTEMPTS must be positive, got %d", c.DialAttempts))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("PAUSE_POLL_INTERVAL must be positive, got %v", c.PollInterval))
	}
	if c.MaxFrameLength < packet.HeaderSize {
		errs = append(errs, fmt.Errorf("MAX_FRAME_LENGTH too small: %d", c.MaxFrameLength))
	}
	if c.RecoverySampleSize < packet.LengthSize+packet.HeaderSize {
		errs = append(errs, fmt.Errorf("RECOVERY_SAMPLE_SIZE too small: %d", c.RecoverySampleSize))
	}
	if c.RecoverySettleDelay < 0 {
		errs = append(errs, fmt.Errorf("RECOVERY_SETTLE_DELAY is negative: %v", c.RecoverySettleDelay))
	}

	return errors.Join(errs...)
}

// ServerAddr is the dial address of the game server once ip is known.
func (c *Config) ServerAddr(ip net.IP) string {
	host := c.GameHost
	if ip != nil {
		host = ip.String()
	}
	return net.JoinHostPort(host, fmt.Sprint(c.GamePort))
}

// ListenIP is the address written into the hosts redirect.
func (c *Config) ListenIP() string {
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}
