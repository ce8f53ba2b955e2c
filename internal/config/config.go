// Package config loads the tunables that govern dialing, handshake,
// keep-alive, and session behavior for the network core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CommitIDCheckRule controls how HandleClientHelloAccepted treats a
// commit-id mismatch between client and server builds.
type CommitIDCheckRule string

const (
	CommitIDCheckDisabled      CommitIDCheckRule = "disabled"
	CommitIDCheckOnlyIfDefined CommitIDCheckRule = "only_if_defined"
	CommitIDCheckStrict        CommitIDCheckRule = "strict"
)

// Config holds the complete client network core configuration.
type Config struct {
	GameMagic string         `yaml:"game_magic"`
	Endpoint  EndpointConfig `yaml:"endpoint"`
	Dial      DialConfig     `yaml:"dial"`
	Timeouts  TimeoutConfig  `yaml:"timeouts"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Warn      WarnConfig     `yaml:"warn"`
	Session   SessionConfig  `yaml:"session"`
	Login     LoginConfig    `yaml:"login"`
	Logging   LogConfig      `yaml:"logging"`
}

// EndpointConfig describes the primary/backup gateways a ServerEndpoint
// resolves to, plus its CDN base URL (forwarded to callers, never
// fetched by this module).
type EndpointConfig struct {
	PrimaryGateway GatewayConfig   `yaml:"primary_gateway"`
	BackupGateways []GatewayConfig `yaml:"backup_gateways"`
	CDNBaseURL     string          `yaml:"cdn_base_url"`
}

// GatewayConfig is one dialable host.
type GatewayConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	EnableTLS bool   `yaml:"enable_tls"`
	// Transport selects the byte-stream implementation: "tcp" (default,
	// happy-eyeballs dual stack + optional TLS) or "websocket" (for
	// platforms where raw sockets aren't available).
	Transport string `yaml:"transport"`
}

// DialConfig tunes the happy-eyeballs dialer and DNS cache.
type DialConfig struct {
	IPv4HeadStart  Duration `yaml:"ipv4_head_start"`
	DNSCacheMaxTTL Duration `yaml:"dns_cache_max_ttl"`
}

// TimeoutConfig holds the hard deadlines of §5.
type TimeoutConfig struct {
	Connect    Duration `yaml:"connect"`
	HeaderRead Duration `yaml:"header_read"`
	Read       Duration `yaml:"read"`
	Write      Duration `yaml:"write"`
}

// KeepaliveConfig holds the idle-ping intervals of §5.
type KeepaliveConfig struct {
	Write Duration `yaml:"write"`
	Read  Duration `yaml:"read"`
}

// WarnConfig holds the duration-warning thresholds of §5.
type WarnConfig struct {
	AfterWrite Duration `yaml:"after_write"`
	AfterRead  Duration `yaml:"after_read"`
}

// SessionConfig tunes session-layer behavior.
type SessionConfig struct {
	RememberedSentLimit int      `yaml:"remembered_sent_limit"`
	AckThreshold        uint32   `yaml:"ack_threshold"`
	WatchdogInitial     Duration `yaml:"watchdog_initial"`
	WatchdogSteady      Duration `yaml:"watchdog_steady"`
	WatchdogResume      Duration `yaml:"watchdog_resume"`
}

// LoginConfig carries the opaque blobs and the commit-id check rule.
type LoginConfig struct {
	CommitIDCheckRule       CommitIDCheckRule `yaml:"commit_id_check_rule"`
	DeviceInfo              []byte            `yaml:"-"`
	LoginGamePayload        []byte            `yaml:"-"`
	SessionStartGamePayload []byte            `yaml:"-"`
}

// LogConfig mirrors the teacher's logging block.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a time.Duration that supports YAML string unmarshaling,
// e.g. "32s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with the defaults spelled out in spec §5.
func Default() *Config {
	return &Config{
		GameMagic: "GAME",
		Dial: DialConfig{
			IPv4HeadStart:  Duration(250 * time.Millisecond),
			DNSCacheMaxTTL: Duration(5 * time.Minute),
		},
		Timeouts: TimeoutConfig{
			Connect:    Duration(32 * time.Second),
			HeaderRead: Duration(34 * time.Second),
			Read:       Duration(28 * time.Second),
			Write:      Duration(26 * time.Second),
		},
		Keepalive: KeepaliveConfig{
			Write: Duration(10 * time.Second),
			Read:  Duration(10 * time.Second),
		},
		Warn: WarnConfig{
			AfterWrite: Duration(15 * time.Second),
			AfterRead:  Duration(15 * time.Second),
		},
		Session: SessionConfig{
			RememberedSentLimit: 1024,
			AckThreshold:        5,
			WatchdogInitial:     Duration(37 * time.Second),
			WatchdogSteady:      Duration(10 * time.Second),
			WatchdogResume:      Duration(10 * time.Second),
		},
		Login: LoginConfig{
			CommitIDCheckRule: CommitIDCheckOnlyIfDefined,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if len(c.GameMagic) != 4 {
		return fmt.Errorf("game_magic must be exactly 4 bytes, got %q", c.GameMagic)
	}
	if c.Endpoint.PrimaryGateway.Host == "" {
		return fmt.Errorf("endpoint.primary_gateway.host is required")
	}
	if c.Endpoint.PrimaryGateway.Port <= 0 {
		return fmt.Errorf("endpoint.primary_gateway.port must be > 0, got %d", c.Endpoint.PrimaryGateway.Port)
	}
	if c.Timeouts.Connect.Duration() <= 0 {
		return fmt.Errorf("timeouts.connect must be > 0")
	}
	if c.Session.RememberedSentLimit < 1 {
		return fmt.Errorf("session.remembered_sent_limit must be >= 1, got %d", c.Session.RememberedSentLimit)
	}
	switch c.Login.CommitIDCheckRule {
	case CommitIDCheckDisabled, CommitIDCheckOnlyIfDefined, CommitIDCheckStrict:
	default:
		return fmt.Errorf("login.commit_id_check_rule must be disabled, only_if_defined, or strict, got %q", c.Login.CommitIDCheckRule)
	}
	return nil
}
