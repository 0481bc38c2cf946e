package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultChunkConcurrency = 2
	DefaultChunkJitterMs    = 80
	DefaultStorageQuota     = 500 << 20
)

var defaultRelayTargets = []string{
	"fcm.googleapis.com",
	"updates.push.services.mozilla.com",
	"notify.windows.com",
	"web.push.apple.com",
}

type Config struct {
	Env      string
	LogLevel string
	Host     string
	Port     int

	// Relay
	CORSOrigins    []string
	RelayTargets   []string
	RelayRateLimit int
	RedisURL       string

	// Peer
	PublicURL         string
	RelayURL          string
	UseRelay          bool
	VAPIDSubject      string
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	PushPrivateKey    string
	PushAuth          string
	PushP256dh        string
	ChunkConcurrency  int
	ChunkJitter       time.Duration
	StorageQuotaBytes int64
	ChunkTTL          time.Duration
	SweepInterval     time.Duration
	PushTTL           int

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	APISecret   string
	APITokenTTL time.Duration
	StorageKey  string
}

// Load reads configuration from the environment, after applying a .env file
// if one is present. defaultPort differs between binaries.
func Load(defaultPort int) (*Config, error) {
	_ = godotenv.Load()

	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "pushlink")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}

	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Host:     getEnv("HTTP_HOST", "0.0.0.0"),
		Port:     getEnvAsInt("HTTP_PORT", defaultPort),

		CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		RelayTargets:   getEnvAsList("RELAY_ALLOWED_TARGETS", defaultRelayTargets),
		RelayRateLimit: getEnvAsInt("RELAY_RATE_LIMIT", 120),
		RedisURL:       os.Getenv("REDIS_URL"),

		PublicURL:         strings.TrimRight(getEnv("PUBLIC_URL", fmt.Sprintf("http://localhost:%d", defaultPort)), "/"),
		RelayURL:          getEnv("RELAY_URL", "http://localhost:8080/push-proxy"),
		UseRelay:          getEnvAsBool("USE_RELAY", false),
		VAPIDSubject:      getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
		VAPIDPublicKey:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("VAPID_PRIVATE_KEY"),
		PushPrivateKey:    os.Getenv("PUSH_PRIVATE_KEY"),
		PushAuth:          os.Getenv("PUSH_AUTH"),
		PushP256dh:        os.Getenv("PUSH_P256DH"),
		ChunkConcurrency:  clamp(getEnvAsInt("CHUNK_CONCURRENCY", DefaultChunkConcurrency), 1, 5),
		ChunkJitter:       time.Duration(clamp(getEnvAsInt("CHUNK_JITTER_MS", DefaultChunkJitterMs), 0, 500)) * time.Millisecond,
		StorageQuotaBytes: getEnvAsInt64("STORAGE_QUOTA_BYTES", DefaultStorageQuota),
		ChunkTTL:          getEnvAsDuration("CHUNK_TTL", 24*time.Hour),
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", 10*time.Minute),
		PushTTL:           getEnvAsInt("PUSH_TTL", 24*60*60),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:  getEnv("SQLITE_PATH", "data/pushlink.db"),
		DatabaseURL: getEnv("DATABASE_URL", u.String()),

		APISecret:   os.Getenv("API_SECRET"),
		APITokenTTL: getEnvAsDuration("API_TOKEN_TTL", 30*24*time.Hour),
		StorageKey:  os.Getenv("STORAGE_ENCRYPTION_KEY"),
	}

	if cfg.StorageQuotaBytes <= 0 {
		cfg.StorageQuotaBytes = DefaultStorageQuota
	}

	return cfg, nil
}

// ValidatePeer checks the settings only the peer binary needs.
func (c *Config) ValidatePeer() error {
	if c.APISecret == "" {
		return errors.New("API_SECRET is required")
	}
	if c.StorageKey == "" {
		return errors.New("STORAGE_ENCRYPTION_KEY is required")
	}
	if c.VAPIDPrivateKey != "" && c.VAPIDPublicKey == "" {
		return errors.New("VAPID_PUBLIC_KEY is required when VAPID_PRIVATE_KEY is set")
	}
	if (c.PushPrivateKey == "") != (c.PushAuth == "") {
		return errors.New("PUSH_PRIVATE_KEY and PUSH_AUTH must be set together")
	}
	if c.VAPIDSubject == "" {
		return errors.New("VAPID_SUBJECT must not be empty")
	}
	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return fmt.Errorf("PUBLIC_URL: %w", err)
	}
	switch c.StoreDriver {
	case "sqlite", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreDriver == "redis" && c.RedisURL == "" {
		return errors.New("REDIS_URL is required for the redis store")
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
