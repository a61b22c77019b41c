// Package jwt issues and validates short-lived HS256 access tokens.
//
// Tokens carry sub, username, tenant, roles, iss, aud, iat, exp and jti.
// Caller supplied claims are nested under "ext". Validation is strict: the
// algorithm is pinned to HS256, issuer and audience must match, and a token
// is rejected once now >= exp unless a leeway is configured. Every rejection
// surfaces as [ErrUnauthenticated].
//
// Key material comes from a [KeyProvider]. [StaticKeys] covers the common
// case of one signing key plus retired verify-only keys selected by kid.
//
// Access tokens are not persisted and cannot be revoked before they expire.
package jwt
