package credledger

import (
	"errors"
	"strings"
	"time"
)

// Config configures a Service. Start from DefaultConfig and override.
type Config struct {
	JWT           JWTConfig           `envPrefix:"JWT_"`
	Refresh       RefreshConfig       `envPrefix:"REFRESH_"`
	PasswordReset PasswordResetConfig `envPrefix:"RESET_"`
	Password      PasswordConfig      `envPrefix:"PASSWORD_"`
	Security      SecurityConfig      `envPrefix:"SECURITY_"`
	Audit         AuditConfig         `envPrefix:"AUDIT_"`
	Metrics       MetricsConfig       `envPrefix:"METRICS_"`
	Store         StoreConfig         `envPrefix:"STORE_"`
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access tokens. An empty SigningKey makes Build
// generate a random per-process key, which invalidates all access tokens
// on restart.
type JWTConfig struct {
	Issuer     string        `env:"ISSUER"`
	Audience   string        `env:"AUDIENCE"`
	AccessTTL  time.Duration `env:"ACCESS_TTL"`
	Leeway     time.Duration `env:"LEEWAY"`
	KeyID      string        `env:"KEY_ID"`
	SigningKey []byte
}

/*
====================================
LEDGER CONFIG
====================================
*/

type RefreshConfig struct {
	TTL time.Duration `env:"TTL"`
	// RetainExpired keeps expired records this long so late presentations
	// still report expiry.
	RetainExpired time.Duration `env:"RETAIN_EXPIRED"`
}

type PasswordResetConfig struct {
	Enabled bool          `env:"ENABLED"`
	TTL     time.Duration `env:"TTL"`
	// MaxRequests caps reset requests per login within RequestCooldown.
	// Zero disables the cap. Enforced only with a Redis client.
	MaxRequests     int           `env:"MAX_REQUESTS"`
	RequestCooldown time.Duration `env:"REQUEST_COOLDOWN"`
	// RetainExpired keeps expired tokens this long so late confirmations
	// still report expiry.
	RetainExpired time.Duration `env:"RETAIN_EXPIRED"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Iterations     int  `env:"ITERATIONS"`
	MinLength      int  `env:"MIN_LENGTH"`
	MaxBytes       int  `env:"MAX_BYTES"`
	UpgradeOnLogin bool `env:"UPGRADE_ON_LOGIN"`
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig configures the login throttle. The throttle needs a Redis
// client; Build fails when it is enabled without one.
type SecurityConfig struct {
	EnableLoginThrottle bool          `env:"LOGIN_THROTTLE"`
	EnableIPThrottle    bool          `env:"IP_THROTTLE"`
	MaxLoginAttempts    int           `env:"MAX_LOGIN_ATTEMPTS"`
	LoginCooldown       time.Duration `env:"LOGIN_COOLDOWN"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool `env:"ENABLED"`
	BufferSize int  `env:"BUFFER_SIZE"`
	DropIfFull bool `env:"DROP_IF_FULL"`
	// KafkaBrokers and KafkaTopic are read by the CLI to build a Kafka sink.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"`
}

type MetricsConfig struct {
	Enabled                 bool `env:"ENABLED"`
	EnableLatencyHistograms bool `env:"LATENCY_HISTOGRAMS"`
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig selects backends for the CLI. The library itself takes
// stores through the Builder.
type StoreConfig struct {
	Driver      string `env:"DRIVER"`
	DSN         string `env:"DSN"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPrefix string `env:"REDIS_PREFIX"`
}

// Store drivers understood by StoreConfig.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the defaults: 30 minute access tokens, 7 day
// refresh tokens, 60 minute reset tokens and 100,000 PBKDF2 iterations.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			Issuer:    "credledger",
			Audience:  "credledger",
			AccessTTL: 30 * time.Minute,
		},
		Refresh: RefreshConfig{
			TTL:           7 * 24 * time.Hour,
			RetainExpired: 24 * time.Hour,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:         true,
			TTL:             60 * time.Minute,
			MaxRequests:     5,
			RequestCooldown: time.Hour,
			RetainExpired:   24 * time.Hour,
		},
		Password: PasswordConfig{
			Iterations:     100_000,
			MinLength:      8,
			MaxBytes:       1024,
			UpgradeOnLogin: true,
		},
		Security: SecurityConfig{
			EnableLoginThrottle: false,
			EnableIPThrottle:    false,
			MaxLoginAttempts:    5,
			LoginCooldown:       15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
			KafkaTopic: "credledger.audit",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Store: StoreConfig{
			Driver:      StoreMemory,
			RedisPrefix: "cl",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.SigningKey = cloneBytes(cfg.JWT.SigningKey)
	out.Audit.KafkaBrokers = append([]string(nil), cfg.Audit.KafkaBrokers...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	if strings.TrimSpace(c.JWT.Issuer) == "" || strings.TrimSpace(c.JWT.Audience) == "" {
		return errors.New("JWT Issuer and Audience must be set")
	}
	if len(c.JWT.SigningKey) > 0 && len(c.JWT.SigningKey) < 32 {
		return errors.New("JWT SigningKey must be at least 32 bytes")
	}

	if c.Refresh.TTL <= 0 {
		return errors.New("Refresh TTL must be > 0")
	}
	if c.Refresh.TTL <= c.JWT.AccessTTL {
		return errors.New("Refresh TTL must exceed JWT AccessTTL")
	}
	if c.Refresh.RetainExpired < 0 {
		return errors.New("Refresh RetainExpired must be >= 0")
	}

	if c.PasswordReset.RetainExpired < 0 {
		return errors.New("PasswordReset RetainExpired must be >= 0")
	}
	if c.PasswordReset.Enabled {
		if c.PasswordReset.TTL <= 0 {
			return errors.New("PasswordReset TTL must be > 0")
		}
		if c.PasswordReset.MaxRequests < 0 {
			return errors.New("PasswordReset MaxRequests must be >= 0")
		}
		if c.PasswordReset.MaxRequests > 0 && c.PasswordReset.RequestCooldown <= 0 {
			return errors.New("PasswordReset RequestCooldown must be > 0 when MaxRequests is set")
		}
	}

	if c.Password.Iterations < 1_000 || c.Password.Iterations > 10_000_000 {
		return errors.New("Password Iterations must be between 1000 and 10000000")
	}
	if c.Password.MinLength < 1 {
		return errors.New("Password MinLength must be >= 1")
	}
	if c.Password.MaxBytes < c.Password.MinLength {
		return errors.New("Password MaxBytes must be >= MinLength")
	}

	if c.Security.EnableLoginThrottle {
		if c.Security.MaxLoginAttempts <= 0 {
			return errors.New("Security MaxLoginAttempts must be > 0")
		}
		if c.Security.LoginCooldown <= 0 {
			return errors.New("Security LoginCooldown must be > 0")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	switch c.Store.Driver {
	case StoreMemory, StoreRedis, StoreSQLite, StorePostgres:
	default:
		return errors.New("Store Driver must be memory, redis, sqlite or postgres")
	}
	if (c.Store.Driver == StoreSQLite || c.Store.Driver == StorePostgres) && c.Store.DSN == "" {
		return errors.New("Store DSN is required for SQL drivers")
	}

	return nil
}
