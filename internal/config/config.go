package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig bounds how fast a single peer may push packets and how
// fast one address may open connections.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	PacketsPerMinute  int  `yaml:"packets_per_minute"`
	Burst             int  `yaml:"burst"`
	ConnectsPerMinute int  `yaml:"connects_per_minute"`
}

// OtelConfig mirrors otel.Config so config stays a leaf package.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Relay is the relay.yaml configuration.
type Relay struct {
	HomeDir string `yaml:"-"`

	ListenAddress    string        `yaml:"listen_address"`
	PrivateKeyPath   string        `yaml:"private_key_path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PacketMaxAge     time.Duration `yaml:"packet_max_age"`
	ClockLeeway      time.Duration `yaml:"clock_leeway"`

	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogDir       string `yaml:"log_dir"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AdminToken guards the /metrics endpoints. Empty disables them.
	AdminToken string `yaml:"admin_token"`

	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	MaxFrameBytes     int64         `yaml:"max_frame_bytes"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	KeyCacheTTL       time.Duration `yaml:"key_cache_ttl"`
	PresenceSchedule  string        `yaml:"presence_schedule"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Otel      OtelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// Agent is the agent.yaml configuration of a daemon.
type Agent struct {
	HomeDir string `yaml:"-"`

	RelayURL           string        `yaml:"relay_url"`
	NodeUUID           string        `yaml:"node_uuid"`
	PrivateKeyPath     string        `yaml:"private_key_path"`
	RelayPublicKeyPath string        `yaml:"relay_public_key_path"`
	StatusInterval     time.Duration `yaml:"status_interval"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval"`
	DockerEnabled      bool          `yaml:"docker_enabled"`
	StoragePath        string        `yaml:"storage_path"`
	LogLevel           string        `yaml:"log_level"`
	LogDir             string        `yaml:"log_dir"`

	NeedsGenesis bool `yaml:"-"`
}

const (
	RelayFile = "relay.yaml"
	AgentFile = "agent.yaml"
)

func defaultRelay() Relay {
	return Relay{
		ListenAddress:     "0.0.0.0:31304",
		HandshakeTimeout:  10 * time.Second,
		PacketMaxAge:      60 * time.Second,
		ClockLeeway:       5 * time.Second,
		LogLevel:          "info",
		OutboundQueueSize: 256,
		MaxFrameBytes:     64 << 10,
		WriteTimeout:      10 * time.Second,
		KeyCacheTTL:       5 * time.Minute,
		PresenceSchedule:  "@every 30s",
		RateLimit: RateLimitConfig{
			Enabled:           true,
			PacketsPerMinute:  600,
			Burst:             60,
			ConnectsPerMinute: 60,
		},
	}
}

func defaultAgent() Agent {
	return Agent{
		RelayURL:          "ws://127.0.0.1:31304/ws",
		StatusInterval:    time.Second,
		ReconnectInterval: time.Second,
		DockerEnabled:     true,
		StoragePath:       "/",
		LogLevel:          "info",
	}
}

// HomeDir returns the data directory, honouring AESTERISK_HOME.
func HomeDir() string {
	if override := os.Getenv("AESTERISK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aesterisk")
}

// LoadRelay reads relay.yaml from homeDir (HomeDir() when empty).
func LoadRelay(homeDir string) (Relay, error) {
	cfg := defaultRelay()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	missing, err := readYAML(filepath.Join(homeDir, RelayFile), &cfg)
	if err != nil {
		return cfg, err
	}
	cfg.NeedsGenesis = missing
	applyRelayEnv(&cfg)
	normalizeRelay(&cfg)
	return cfg, validateRelay(cfg)
}

// LoadAgent reads agent.yaml from homeDir (HomeDir() when empty).
func LoadAgent(homeDir string) (Agent, error) {
	cfg := defaultAgent()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	missing, err := readYAML(filepath.Join(homeDir, AgentFile), &cfg)
	if err != nil {
		return cfg, err
	}
	cfg.NeedsGenesis = missing
	applyAgentEnv(&cfg)
	normalizeAgent(&cfg)
	return cfg, nil
}

func readYAML(path string, out any) (missing bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create aesterisk home: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return false, nil
}

func normalizeRelay(cfg *Relay) {
	def := defaultRelay()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(cfg.HomeDir, "keys", "relay.pem")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "relay.db")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.HomeDir, "logs")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PacketMaxAge <= 0 {
		cfg.PacketMaxAge = def.PacketMaxAge
	}
	if cfg.ClockLeeway < 0 {
		cfg.ClockLeeway = 0
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = def.OutboundQueueSize
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = def.KeyCacheTTL
	}
	if strings.TrimSpace(cfg.PresenceSchedule) == "" {
		cfg.PresenceSchedule = def.PresenceSchedule
	}
	if cfg.RateLimit.PacketsPerMinute <= 0 {
		cfg.RateLimit.PacketsPerMinute = def.RateLimit.PacketsPerMinute
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.ConnectsPerMinute <= 0 {
		cfg.RateLimit.ConnectsPerMinute = def.RateLimit.ConnectsPerMinute
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

func validateRelay(cfg Relay) error {
	if cfg.HandshakeTimeout > cfg.PacketMaxAge {
		return fmt.Errorf("handshake_timeout (%s) must not exceed packet_max_age (%s)", cfg.HandshakeTimeout, cfg.PacketMaxAge)
	}
	return nil
}

func normalizeAgent(cfg *Agent) {
	def := defaultAgent()
	if strings.TrimSpace(cfg.RelayURL) == "" {
		cfg.RelayURL = def.RelayURL
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(cfg.HomeDir, "keys", "daemon.pem")
	}
	if cfg.RelayPublicKeyPath == "" {
		cfg.RelayPublicKeyPath = filepath.Join(cfg.HomeDir, "keys", "relay.pub.pem")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.HomeDir, "logs")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = def.StoragePath
	}
	cfg.NodeUUID = strings.TrimSpace(cfg.NodeUUID)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

func applyRelayEnv(cfg *Relay) {
	if raw := os.Getenv("AESTERISK_LISTEN_ADDRESS"); raw != "" {
		cfg.ListenAddress = raw
	}
	if raw := os.Getenv("AESTERISK_PRIVATE_KEY_PATH"); raw != "" {
		cfg.PrivateKeyPath = raw
	}
	if raw := os.Getenv("AESTERISK_DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("AESTERISK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AESTERISK_HANDSHAKE_TIMEOUT"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.HandshakeTimeout = v
		}
	}
	if raw := os.Getenv("AESTERISK_PACKET_MAX_AGE"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.PacketMaxAge = v
		}
	}
	if raw := os.Getenv("AESTERISK_OUTBOUND_QUEUE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.OutboundQueueSize = v
		}
	}
	if raw := os.Getenv("AESTERISK_ADMIN_TOKEN"); raw != "" {
		cfg.AdminToken = raw
	}
	if raw := os.Getenv("AESTERISK_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Enabled = true
		cfg.Otel.Endpoint = raw
	}
}

func applyAgentEnv(cfg *Agent) {
	if raw := os.Getenv("AESTERISK_RELAY_URL"); raw != "" {
		cfg.RelayURL = raw
	}
	if raw := os.Getenv("AESTERISK_NODE_UUID"); raw != "" {
		cfg.NodeUUID = raw
	}
	if raw := os.Getenv("AESTERISK_PRIVATE_KEY_PATH"); raw != "" {
		cfg.PrivateKeyPath = raw
	}
	if raw := os.Getenv("AESTERISK_RELAY_PUBLIC_KEY_PATH"); raw != "" {
		cfg.RelayPublicKeyPath = raw
	}
	if raw := os.Getenv("AESTERISK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AESTERISK_DOCKER_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.DockerEnabled = v
		}
	}
}

// Fingerprint summarises the settings that change relay behaviour, for /healthz.
func (c Relay) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|hs=%s|age=%s|queue=%d|origins=%v|rl=%v",
		c.ListenAddress, c.HandshakeTimeout, c.PacketMaxAge, c.OutboundQueueSize, c.AllowOrigins, c.RateLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
