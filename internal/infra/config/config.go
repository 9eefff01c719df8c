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

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"govstream/internal/domain"
)

// EncPrefix marks a config value encrypted with EncryptValue.
const EncPrefix = "enc:"

// Config is the top-level application configuration.
type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	Features FeaturesConfig `yaml:"features"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	UI       UIConfig       `yaml:"ui"`
	Includes []string       `yaml:"includes,omitempty"`
}

// StreamConfig holds settings for the long-lived stream connection.
type StreamConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the bearer token; may be "enc:..." (see GOVSTREAM_CONFIG_KEY).
	Token string `yaml:"token"`
	// TokenEnv names an env var read on every request; wins over Token when set.
	TokenEnv       string               `yaml:"token_env,omitempty"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	MaxFrameSize   int                  `yaml:"max_frame_size"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// PoolConfig sizes the HTTP connection pool.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig configures fail-fast behavior when opening streams.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig bounds how often new streams may be opened.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	OpensPerMin int  `yaml:"opens_per_min"`
	Burst       int  `yaml:"burst"`
}

// FeaturesConfig holds the relative stream path templates. "{id}" is replaced
// with the path-escaped operation id.
type FeaturesConfig struct {
	WarmupPath     string `yaml:"warmup_path"`
	RefinementPath string `yaml:"refinement_path"`
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
	Exporter    string  `yaml:"exporter"`               // stdout or noop
	Output      string  `yaml:"output,omitempty"`       // stdout, stderr, discard, or a file path
	SampleRatio float64 `yaml:"sample_ratio,omitempty"` // 0 or 1 samples everything
}

// UIConfig holds console settings.
type UIConfig struct {
	Plain bool `yaml:"plain"` // line output instead of the interactive console
	ASCII bool `yaml:"ascii"` // ASCII status symbols
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Stream: StreamConfig{
			BaseURL:      "http://localhost:8080/api/v1",
			ConnTimeout:  30 * time.Second,
			RespTimeout:  60 * time.Second,
			MaxFrameSize: 1 << 20,
			Pool: PoolConfig{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				MaxConnsPerHost:     8,
				IdleConnTimeout:     90 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled:     false,
				OpensPerMin: 30,
				Burst:       3,
			},
		},
		Features: FeaturesConfig{
			WarmupPath:     "/models/{id}/warmup/stream",
			RefinementPath: "/refinement/sessions/{id}/stream",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config (second pass): %w", domain.ErrConfigLoad, err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("GOVSTREAM_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps GOVSTREAM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOVSTREAM_BASE_URL"); v != "" {
		cfg.Stream.BaseURL = v
	}
	if v := os.Getenv("GOVSTREAM_TOKEN"); v != "" {
		cfg.Stream.Token = v
	}
	if v := os.Getenv("GOVSTREAM_MAX_FRAME_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.MaxFrameSize = n
		}
	}
	if v := os.Getenv("GOVSTREAM_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.Stream.CircuitBreaker.Enabled = v == "true"
	}
	if v := os.Getenv("GOVSTREAM_RATE_LIMIT_ENABLED"); v != "" {
		cfg.Stream.RateLimit.Enabled = v == "true"
	}
	if v := os.Getenv("GOVSTREAM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GOVSTREAM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GOVSTREAM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GOVSTREAM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("GOVSTREAM_TRACER_OUTPUT"); v != "" {
		cfg.Tracer.Output = v
	}
	if v := os.Getenv("GOVSTREAM_UI_PLAIN"); v == "true" {
		cfg.UI.Plain = true
	}
	if v := os.Getenv("GOVSTREAM_ASCII_SYMBOLS"); v == "true" {
		cfg.UI.ASCII = true
	}
}

// decryptSecrets replaces "enc:..." secret values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if !strings.HasPrefix(cfg.Stream.Token, EncPrefix) {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(cfg.Stream.Token, EncPrefix), passphrase)
	if err != nil {
		return fmt.Errorf("stream token: %w", err)
	}
	cfg.Stream.Token = plain
	return nil
}

// EncryptValue encrypts plaintext with a key derived from passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext); prefix it with
// "enc:" when writing it into a config file.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %w", domain.ErrEncryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %w", domain.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others;
// they may hold a bearer token.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
