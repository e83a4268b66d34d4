package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	EventLog EventLogConfig `yaml:"eventlog"`
	Stream   StreamConfig   `yaml:"stream"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Session  SessionConfig  `yaml:"session"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Includes []string       `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EventLogConfig selects and tunes the state log store.
type EventLogConfig struct {
	Driver        string `yaml:"driver"` // "sqlite" or "memory"
	Path          string `yaml:"path"`
	PageSize      int    `yaml:"page_size"`
	SnapshotEvery int    `yaml:"snapshot_every"` // 0 disables snapshots
	HopLimit      int    `yaml:"hop_limit"`
}

// StreamConfig selects the stream transport.
type StreamConfig struct {
	Backend string `yaml:"backend"` // "bus" or "redis"
}

// ClusterConfig holds the Redis settings shared by the redis stream backend,
// the server directory and the drain lease.
type ClusterConfig struct {
	NodeID   string        `yaml:"node_id"`   // auto-generated if empty
	RedisURL string        `yaml:"redis_url"` // e.g. "redis://localhost:6379"
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// DeliveryConfig tunes the delivery backplane drain.
type DeliveryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// SessionConfig tunes the session router and its per-server breakers.
type SessionConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors the forwarder circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled        bool               `yaml:"enabled"`
	Addr           string             `yaml:"addr"`
	ServerID       string             `yaml:"server_id"`
	SendBuffer     int                `yaml:"send_buffer"`
	RPCPerSecond   float64            `yaml:"rpc_per_second"`
	RPCBurst       int                `yaml:"rpc_burst"`
	HeartbeatTTL   time.Duration      `yaml:"heartbeat_ttl"`
	AllowedOrigins []string           `yaml:"allowed_origins,omitempty"`
	ConnectLimit   ConnectLimitConfig `yaml:"connect_limit"`
	Auth           AuthConfig         `yaml:"auth"`
}

// ConnectLimitConfig bounds WebSocket upgrades per client address.
type ConnectLimitConfig struct {
	PerMinute      int           `yaml:"per_minute"`
	Burst          int           `yaml:"burst"`
	TrustedProxies []string      `yaml:"trusted_proxies,omitempty"`
	IdleAfter      time.Duration `yaml:"idle_after"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentgrid.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentgrid")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{Enabled: true},
		EventLog: EventLogConfig{
			Driver:        "sqlite",
			Path:          filepath.Join(defaultDataDir(), "events.db"),
			PageSize:      100,
			SnapshotEvery: 100,
			HopLimit:      16,
		},
		Stream: StreamConfig{Backend: "bus"},
		Cluster: ClusterConfig{
			LeaseTTL: 10 * time.Second,
		},
		Delivery: DeliveryConfig{
			Interval:    time.Second,
			BatchSize:   32,
			MaxAttempts: 5,
			Backoff:     time.Second,
		},
		Session: SessionConfig{
			FailureThreshold: 3,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8090",
			SendBuffer:   64,
			RPCPerSecond: 20,
			RPCBurst:     40,
			HeartbeatTTL: 30 * time.Second,
			ConnectLimit: ConnectLimitConfig{
				PerMinute: 60,
				Burst:     10,
			},
		},
	}
}

// Load reads a YAML config file, applies .env files and env var overrides,
// and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := loadEnvFiles("."); err != nil {
				return nil, err
			}
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncluder(absPath).apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	if err := loadEnvFiles(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AGENTGRID_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads .env.local then .env from dir. Variables already in the
// environment win over both files.
func loadEnvFiles(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		file := filepath.Join(dir, name)
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnvOverrides maps AGENTGRID_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTGRID_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTGRID_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTGRID_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("AGENTGRID_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTGRID_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTGRID_TRACER_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracer.SampleRatio = f
		}
	}
	if v := os.Getenv("AGENTGRID_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}

	if v := os.Getenv("AGENTGRID_EVENTLOG_DRIVER"); v != "" {
		cfg.EventLog.Driver = v
	}
	if v := os.Getenv("AGENTGRID_EVENTLOG_PATH"); v != "" {
		cfg.EventLog.Path = v
	}
	if v := os.Getenv("AGENTGRID_EVENTLOG_SNAPSHOT_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.EventLog.SnapshotEvery = n
		}
	}

	if v := os.Getenv("AGENTGRID_STREAM_BACKEND"); v != "" {
		cfg.Stream.Backend = v
	}
	if v := os.Getenv("AGENTGRID_CLUSTER_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := os.Getenv("AGENTGRID_CLUSTER_REDIS_URL"); v != "" {
		cfg.Cluster.RedisURL = v
	}
	if v := os.Getenv("AGENTGRID_CLUSTER_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Cluster.LeaseTTL = d
		}
	}

	if v := os.Getenv("AGENTGRID_DELIVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Delivery.Interval = d
		}
	}
	if v := os.Getenv("AGENTGRID_DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Delivery.MaxAttempts = n
		}
	}
	if v := os.Getenv("AGENTGRID_SESSION_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.FailureThreshold = n
		}
	}

	if v := os.Getenv("AGENTGRID_GATEWAY_ENABLED"); v != "" {
		cfg.Gateway.Enabled = v == "true"
	}
	if v := os.Getenv("AGENTGRID_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTGRID_GATEWAY_SERVER_ID"); v != "" {
		cfg.Gateway.ServerID = v
	}
	if v := os.Getenv("AGENTGRID_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTGRID_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Cluster.RedisURL, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Cluster.RedisURL, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("cluster redis_url: %w", err)
		}
		cfg.Cluster.RedisURL = decrypted
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
