package credledger

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/credledger/identity"
	internalaudit "github.com/MrEthical07/credledger/internal/audit"
	"github.com/MrEthical07/credledger/internal/flows"
	"github.com/MrEthical07/credledger/internal/rate"
	"github.com/MrEthical07/credledger/jwt"
	"github.com/MrEthical07/credledger/password"
	"github.com/MrEthical07/credledger/refresh"
	"github.com/MrEthical07/credledger/reset"
	"github.com/redis/go-redis/v9"
)

// Builder assembles a Service. Unset stores default to in-memory ones.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identities identity.Store
	refreshes  refresh.Store
	resets     reset.Store

	auditSink AuditSink
	logger    *slog.Logger
	now       func() time.Time

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis enables the login and reset-request throttles.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityStore(store identity.Store) *Builder {
	b.identities = store
	return b
}

func (b *Builder) WithRefreshStore(store refresh.Store) *Builder {
	b.refreshes = store
	return b
}

func (b *Builder) WithResetStore(store reset.Store) *Builder {
	b.resets = store
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for every ledger and token decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Service. A Builder can
// be built once.
func (b *Builder) Build() (*Service, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Security.EnableLoginThrottle && b.redis == nil {
		return nil, errors.New("Security EnableLoginThrottle requires redis client")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		config:     cfg,
		identities: b.identities,
		logger:     logger,
		now:        now,
		metrics:    NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
	}
	if s.identities == nil {
		s.identities = identity.NewMemoryStore()
	}

	// -------- PASSWORDS --------
	hasher, err := password.NewPBKDF2(password.Config{Iterations: cfg.Password.Iterations})
	if err != nil {
		return nil, err
	}
	s.hasher = hasher

	dummyHash, err := newDummyHash(hasher)
	if err != nil {
		return nil, err
	}

	// -------- ACCESS TOKENS --------
	signingKey := cloneBytes(cfg.JWT.SigningKey)
	if len(signingKey) == 0 {
		signingKey, err = jwt.GenerateKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("credledger: no JWT signing key configured, generated an ephemeral one")
	}
	tokens, err := jwt.NewManager(jwt.Config{
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.AccessTTL,
		Leeway:     cfg.JWT.Leeway,
		SigningKey: signingKey,
		KeyID:      cfg.JWT.KeyID,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	s.tokens = tokens

	// -------- LEDGERS --------
	refreshStore := b.refreshes
	if refreshStore == nil {
		refreshStore = refresh.NewMemoryStore()
	}
	s.refreshes, err = refresh.NewLedger(refreshStore, refresh.Config{
		TTL:           cfg.Refresh.TTL,
		RetainExpired: cfg.Refresh.RetainExpired,
		Mint:          s.mintAccess,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	resetStore := b.resets
	if resetStore == nil {
		resetStore = reset.NewMemoryStore()
	}
	s.resets, err = reset.NewLedger(resetStore, reset.Config{
		TTL:              cfg.PasswordReset.TTL,
		RetainExpired:    cfg.PasswordReset.RetainExpired,
		Now:              now,
		OnReleaseFailure: s.onResetReleaseFailure,
	})
	if err != nil {
		return nil, err
	}

	// -------- THROTTLE --------
	var limiter *rate.Limiter
	if b.redis != nil {
		limiter = rate.New(b.redis, rate.Config{
			Prefix:           cfg.Store.RedisPrefix,
			EnableIPThrottle: cfg.Security.EnableIPThrottle,
			MaxLoginAttempts: cfg.Security.MaxLoginAttempts,
			LoginCooldown:    cfg.Security.LoginCooldown,
			MaxResetRequests: cfg.PasswordReset.MaxRequests,
			ResetCooldown:    cfg.PasswordReset.RequestCooldown,
		})
	}

	// -------- FLOWS --------
	policy := flows.PasswordPolicy{MinLength: cfg.Password.MinLength, MaxBytes: cfg.Password.MaxBytes}
	warn := func(msg string, args ...any) { logger.Warn(msg, args...) }

	s.flows = flows.Deps{
		Register: flows.RegisterDeps{
			Identities: s.identities,
			Hasher:     hasher,
			Policy:     policy,
		},
		Login: flows.LoginDeps{
			Identities:     s.identities,
			Hasher:         hasher,
			DummyHash:      dummyHash,
			UpgradeOnLogin: cfg.Password.UpgradeOnLogin,
			ClientIP:       clientIPFromContext,
			Warn:           warn,
		},
		Refresh: flows.RefreshDeps{
			Ledger: s.refreshes,
		},
		Logout: flows.LogoutDeps{
			Ledger: s.refreshes,
		},
		Authenticate: flows.AuthenticateDeps{
			Tokens:  tokens,
			Now:     time.Now,
			Observe: s.observeAuthenticate,
		},
		Password: flows.PasswordDeps{
			Identities:     s.identities,
			Hasher:         hasher,
			Policy:         policy,
			RevokeIdentity: s.refreshes.RevokeIdentity,
			Warn:           warn,
		},
		Reset: flows.ResetDeps{
			Enabled:        cfg.PasswordReset.Enabled,
			Identities:     s.identities,
			Hasher:         hasher,
			Policy:         policy,
			Ledger:         s.resets,
			RevokeIdentity: s.refreshes.RevokeIdentity,
			Warn:           warn,
		},
	}
	if limiter != nil {
		if cfg.Security.EnableLoginThrottle {
			s.flows.Login.Limiter = limiter
		}
		if cfg.PasswordReset.MaxRequests > 0 {
			s.flows.Reset.Limiter = limiter
		}
	}

	b.built = true
	return s, nil
}

// newDummyHash returns a record verified against for unknown logins, so
// they cost as much as a wrong password.
func newDummyHash(hasher *password.PBKDF2) (string, error) {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("credledger: dummy hash: %w", err)
	}
	return hasher.Hash(base64.RawURLEncoding.EncodeToString(raw[:]))
}
