// Package credledger manages the credential lifecycle of a service: salted
// password records, short-lived signed access tokens, rotating opaque
// refresh tokens with reuse detection, and single-use password reset
// tokens.
//
// [Service] methods are safe to call from multiple goroutines after
// construction through [Builder.Build].
//
// # Architecture boundaries
//
// credledger is the public surface. It exposes [Service], [Builder],
// [Config] and value types ([TokenPair], [Claims], [MetricsSnapshot]). The
// state machines live in the refresh and reset packages; their atomicity
// comes from the Store implementations (refresh.MemoryStore,
// store/redisstore, store/sqlstore). Orchestration, throttling and audit
// dispatch live under internal/.
//
// # What this package must NOT do
//
//   - Return secrets anywhere but the TokenPair or reset secret handed to
//     the caller.
//   - Distinguish unknown identities from wrong passwords in returned errors.
//   - Import any sub-package that re-imports credledger.
//
// # Known gap
//
// Access tokens are stateless and cannot be revoked before they expire.
// Logout revokes refresh tokens only; keep JWT.AccessTTL short.
package credledger
