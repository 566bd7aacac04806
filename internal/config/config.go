package config

import (
	"crypto/sha256"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/authlink/internal/verify"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultCacheKeyPrefix namespaces every cache key. Deployments sharing
// a Redis with other implementations must keep the same prefix.
const DefaultCacheKeyPrefix = "guilded_authlink_"

// sessionSecretMinLen is the shortest SESSION_SECRET accepted. The
// secret keys the cookie HMAC, so it needs real entropy.
const sessionSecretMinLen = 32

// Config holds all environment-based configuration for authlink.
type Config struct {
	// Environment controls log format and whether an in-memory cache is allowed.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// BaseURL is the public origin, e.g. https://authlink.app. Used for
	// server metadata and to decide whether cookies are Secure.
	BaseURL string `env:"BASE_URL,required"`

	// SessionSecret keys the session cookies. Rotating it signs everyone out.
	SessionSecret string `env:"SESSION_SECRET,required"`

	// Cache. Empty REDIS_URL selects the in-memory cache, development only.
	RedisURL       string `env:"REDIS_URL"`
	CacheKeyPrefix string `env:"CACHE_KEY_PREFIX" envDefault:"guilded_authlink_"`

	// Relational store. DATABASE_URL selects PostgreSQL, otherwise a bbolt
	// file at STATE_PATH (default ~/.authlink/state.db).
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`
	StatePath      string `env:"STATE_PATH"`

	// Guilded. Without a bot token, only profile-post verification is offered.
	GuildedBotToken string `env:"GUILDED_BOT_TOKEN"`
	// VerifyChannels lists server:channel pairs the bot may post challenges in.
	VerifyChannels string `env:"VERIFY_CHANNELS"`

	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"168h"`
	GrantTTL       time.Duration `env:"GRANT_TTL" envDefault:"720h"`
	PruneInterval  time.Duration `env:"PRUNE_INTERVAL" envDefault:"1h"`

	// SeedFile, when set, is loaded at startup and watched for changes.
	SeedFile string `env:"SEED_FILE"`

	// Verification completion rate limit, per client IP.
	VerifyRatePerMinute float64 `env:"VERIFY_RATE_PER_MINUTE" envDefault:"10"`
	VerifyRateBurst     int     `env:"VERIFY_RATE_BURST" envDefault:"5"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.DatabaseURL == "" && cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}

	if len(c.SessionSecret) < sessionSecretMinLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", sessionSecretMinLen)
	}

	if c.IsProduction() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in production")
	}

	if c.AccessTokenTTL <= 0 || c.GrantTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL and GRANT_TTL must be positive")
	}

	if c.PruneInterval <= 0 {
		return fmt.Errorf("PRUNE_INTERVAL must be positive")
	}

	if c.VerifyRatePerMinute <= 0 || c.VerifyRateBurst <= 0 {
		return fmt.Errorf("VERIFY_RATE_PER_MINUTE and VERIFY_RATE_BURST must be positive")
	}

	channels, err := c.ParseVerifyChannels()
	if err != nil {
		return err
	}

	if len(channels) > 0 && c.GuildedBotToken == "" {
		return fmt.Errorf("GUILDED_BOT_TOKEN is required when VERIFY_CHANNELS is set")
	}

	return nil
}

// DefaultStatePath returns ~/.authlink/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".authlink", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SecureCookies reports whether session cookies should carry the Secure
// attribute, which is whenever the public origin is https.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// SessionKeys derives the cookie HMAC key and the AES-256 encryption key
// from SESSION_SECRET.
func (c *Config) SessionKeys() (hashKey, blockKey []byte) {
	h := sha256.Sum256([]byte("authlink-session-hash:" + c.SessionSecret))
	b := sha256.Sum256([]byte("authlink-session-block:" + c.SessionSecret))

	return h[:], b[:]
}

// ParseVerifyChannels parses the VERIFY_CHANNELS string. Order is
// preserved; it is the order channels are tried in.
// Format: "server1:channel1,server2:channel2"
func (c *Config) ParseVerifyChannels() ([]verify.Channel, error) {
	if c.VerifyChannels == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var channels []verify.Channel

	for _, pair := range strings.Split(c.VerifyChannels, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid verify channel entry (missing ':')")
		}

		serverID := pair[:idx]

		channelID := pair[idx+1:]
		if serverID == "" || channelID == "" {
			return nil, fmt.Errorf("empty server or channel in entry %d", len(channels)+1)
		}

		if _, dup := seen[serverID]; dup {
			return nil, fmt.Errorf("duplicate server %q in VERIFY_CHANNELS", serverID)
		}

		seen[serverID] = struct{}{}
		channels = append(channels, verify.Channel{ServerID: serverID, ChannelID: channelID})
	}

	return channels, nil
}
