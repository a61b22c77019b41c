package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthenticated is returned by Validate for every rejected token.
// The underlying cause is deliberately not exposed.
var ErrUnauthenticated = errors.New("unauthenticated")

// Config holds the signing policy for access tokens.
//
// Either set Keys, or set SigningKey (with optional KeyID and VerifyKeys) and
// let NewManager build a StaticKeys provider.
type Config struct {
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	Leeway     time.Duration
	SigningKey []byte
	KeyID      string
	VerifyKeys map[string][]byte
	Keys       KeyProvider

	// MaxFutureIAT bounds how far in the future an iat claim may be.
	// Zero selects one minute.
	MaxFutureIAT time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Subject is the identity an access token is minted for.
type Subject struct {
	ID       string
	Username string
	TenantID string
	Roles    []string
}

// AccessClaims is the JWT body. Caller supplied claims live under "ext" so
// they can never shadow the registered ones.
type AccessClaims struct {
	Username string         `json:"username,omitempty"`
	Tenant   string         `json:"tenant,omitempty"`
	Roles    []string       `json:"roles"`
	Extra    map[string]any `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// AccessToken is a signed token and its expiry.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Claims is the validated view of an access token.
type Claims struct {
	TokenID   string
	Subject   string
	Username  string
	TenantID  string
	Roles     []string
	Extra     map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and validates HS256 access tokens. It keeps no per-token
// state and is safe for concurrent use.
type Manager struct {
	config Config
	keys   KeyProvider
	now    func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}

	keys := cfg.Keys
	if keys == nil {
		static := StaticKeys{
			KeyID:    strings.TrimSpace(cfg.KeyID),
			Key:      cfg.SigningKey,
			Previous: cfg.VerifyKeys,
		}
		if err := static.validate(); err != nil {
			return nil, err
		}
		keys = static
	} else if _, key := keys.SigningKey(); len(key) < MinKeyLength {
		return nil, errors.New("hs256 signing key must be at least 32 bytes")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{config: cfg, keys: keys, now: now}, nil
}

// TTL returns the configured access token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.AccessTTL
}

// Issue mints a signed access token for sub. extra may be nil.
func (m *Manager) Issue(sub Subject, extra map[string]any) (AccessToken, error) {
	if sub.ID == "" {
		return AccessToken{}, errors.New("access token subject is empty")
	}

	now := m.now()
	expiresAt := now.Add(m.config.AccessTTL)

	roles := sub.Roles
	if roles == nil {
		roles = []string{}
	}

	claims := AccessClaims{
		Username: sub.Username,
		Tenant:   sub.TenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub.ID,
			Issuer:    m.config.Issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	if len(extra) > 0 {
		claims.Extra = make(map[string]any, len(extra))
		for k, v := range extra {
			claims.Extra[k] = v
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	kid, key := m.keys.SigningKey()
	if kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}

	return AccessToken{Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Validate verifies signature, algorithm, issuer, audience and expiry and
// returns the token's claims. Any failure yields ErrUnauthenticated.
func (m *Manager) Validate(tokenStr string) (*Claims, error) {
	claims, err := m.parse(tokenStr)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	out := &Claims{
		TokenID:  claims.ID,
		Subject:  claims.Subject,
		Username: claims.Username,
		TenantID: claims.Tenant,
		Roles:    append([]string(nil), claims.Roles...),
		Extra:    claims.Extra,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	out.ExpiresAt = claims.ExpiresAt.Time
	return out, nil
}

func (m *Manager) parse(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}

		kid, _ := t.Header["kid"].(string)
		key, ok := m.keys.VerificationKey(kid)
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if claims.IssuedAt != nil {
		maxAllowed := m.now().Add(m.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, errors.New("token iat too far in the future")
		}
	}

	return claims, nil
}
