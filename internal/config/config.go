// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the api process.
type Config struct {
	ServiceName string
	Environment string
	LogLevel    string

	HTTPAddr string
	GRPCAddr string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	KafkaBrokers []string
	KafkaTopic   string

	JWTAccessSecret   []byte
	JWTRefreshSecret  []byte
	JWTIssuer         string
	JWTAudience       string
	JWTPrivateKeyFile string
	JWTPublicKeyFile  string
	JWTKeyID          string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration

	BootstrapAdmin         string
	BootstrapAdminPassword string

	RefreshLimit  int
	RefreshWindow time.Duration
	LoginLimit    int
	LoginWindow   time.Duration

	HTTPBurst     int
	HTTPPerSecond int

	// TrustedProxies lists addresses or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string

	DecisionTTL   time.Duration
	PolicyTTL     time.Duration
	EntityTTL     time.Duration
	LocalCacheTTL time.Duration
	LocalCacheMax int64

	PurgeInterval       time.Duration
	HealthInterval      time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadDotEnv reads path into the process environment if it exists.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads the configuration from ARBITER_* variables.
func Load() Config {
	return Config{
		ServiceName: EnvDefault("ARBITER_SERVICE_NAME", "arbiter"),
		Environment: EnvDefault("ARBITER_ENV", "production"),
		LogLevel:    EnvDefault("ARBITER_LOG_LEVEL", "info"),

		HTTPAddr: EnvDefault("ARBITER_HTTP_ADDR", ":8080"),
		GRPCAddr: EnvDefault("ARBITER_GRPC_ADDR", ":9090"),

		DatabaseURL: os.Getenv("ARBITER_PG_DSN"),
		RedisAddr:   os.Getenv("ARBITER_REDIS_ADDR"),
		RedisDB:     EnvIntDefault("ARBITER_REDIS_DB", 0),

		KafkaBrokers: CSV(os.Getenv("ARBITER_KAFKA_BROKERS")),
		KafkaTopic:   EnvDefault("ARBITER_KAFKA_SECURITY_TOPIC", "security-events"),

		JWTAccessSecret:   []byte(os.Getenv("ARBITER_JWT_SECRET")),
		JWTRefreshSecret:  []byte(os.Getenv("ARBITER_JWT_REFRESH_SECRET")),
		JWTIssuer:         EnvDefault("ARBITER_JWT_ISSUER", "arbiter"),
		JWTAudience:       EnvDefault("ARBITER_JWT_AUDIENCE", "game-clients"),
		JWTPrivateKeyFile: os.Getenv("ARBITER_JWT_PRIVATE_KEY_FILE"),
		JWTPublicKeyFile:  os.Getenv("ARBITER_JWT_PUBLIC_KEY_FILE"),
		JWTKeyID:          EnvDefault("ARBITER_JWT_KEY_ID", "arbiter-1"),
		AccessTTL:         EnvDurationDefault("ARBITER_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:        EnvDurationDefault("ARBITER_REFRESH_TTL", 30*24*time.Hour),

		BootstrapAdmin:         EnvDefault("ARBITER_BOOTSTRAP_ADMIN", "admin"),
		BootstrapAdminPassword: os.Getenv("ARBITER_BOOTSTRAP_ADMIN_PASSWORD"),

		RefreshLimit:  EnvIntDefault("ARBITER_REFRESH_LIMIT", 5),
		RefreshWindow: EnvDurationDefault("ARBITER_REFRESH_WINDOW", 5*time.Minute),
		LoginLimit:    EnvIntDefault("ARBITER_LOGIN_LIMIT", 10),
		LoginWindow:   EnvDurationDefault("ARBITER_LOGIN_WINDOW", 5*time.Minute),

		HTTPBurst:     EnvIntDefault("ARBITER_HTTP_BURST", 50),
		HTTPPerSecond: EnvIntDefault("ARBITER_HTTP_RPS", 25),

		TrustedProxies: CSV(os.Getenv("ARBITER_TRUSTED_PROXIES")),

		DecisionTTL:   EnvDurationDefault("ARBITER_DECISION_TTL", 5*time.Minute),
		PolicyTTL:     EnvDurationDefault("ARBITER_POLICY_TTL", time.Hour),
		EntityTTL:     EnvDurationDefault("ARBITER_ENTITY_TTL", 30*time.Minute),
		LocalCacheTTL: EnvDurationDefault("ARBITER_LOCAL_CACHE_TTL", 30*time.Second),
		LocalCacheMax: int64(EnvIntDefault("ARBITER_LOCAL_CACHE_MAX_BYTES", 64<<20)),

		PurgeInterval:       EnvDurationDefault("ARBITER_PURGE_INTERVAL", 10*time.Minute),
		HealthInterval:      EnvDurationDefault("ARBITER_HEALTH_INTERVAL", 10*time.Second),
		ShutdownGracePeriod: EnvDurationDefault("ARBITER_SHUTDOWN_GRACE", 10*time.Second),
	}
}

// Development reports whether the process runs in a dev environment.
func (c Config) Development() bool {
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// UsesRS256 reports whether access tokens are signed with an RSA key pair.
func (c Config) UsesRS256() bool {
	return c.JWTPrivateKeyFile != "" && c.JWTPublicKeyFile != ""
}

// Validate checks settings that have no safe default.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTAccessSecret) == 0 && !c.UsesRS256() {
		errs = append(errs, errors.New("ARBITER_JWT_SECRET is required"))
	}
	if (c.JWTPrivateKeyFile == "") != (c.JWTPublicKeyFile == "") {
		errs = append(errs, errors.New("ARBITER_JWT_PRIVATE_KEY_FILE and ARBITER_JWT_PUBLIC_KEY_FILE must be set together"))
	}
	if len(c.JWTRefreshSecret) == 0 {
		errs = append(errs, errors.New("ARBITER_JWT_REFRESH_SECRET is required"))
	}
	if c.RefreshLimit <= 0 {
		errs = append(errs, fmt.Errorf("ARBITER_REFRESH_LIMIT must be positive, got %d", c.RefreshLimit))
	}
	if c.RefreshWindow <= 0 {
		errs = append(errs, errors.New("ARBITER_REFRESH_WINDOW must be positive"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a
// single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("ARBITER_TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("ARBITER_TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func CSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func EnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func EnvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvDurationDefault accepts Go durations ("90s") or bare seconds ("90").
func EnvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
