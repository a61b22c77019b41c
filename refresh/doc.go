// Package refresh implements the refresh-token ledger: issuance, one-shot
// rotation with reuse detection, explicit revocation and pruning.
//
// # Token format
//
// A refresh token is 32 random bytes encoded as base64url without padding. It
// has no internal structure. The ledger stores only the SHA-256 of the raw
// bytes and looks records up by that hash.
//
// # State machine
//
//	active --rotate--> rotated (RevokedAt + ReplacedBy)
//	active --revoke--> revoked (RevokedAt only)
//	active --time----> expired (ExpiresAt <= now, evaluated lazily)
//
// Rotated and revoked are terminal. Presenting a rotated token is reuse: the
// store revokes every successor reachable through ReplacedBy in the same
// atomic step that detects it.
//
// # Architecture boundaries
//
// [Ledger] owns secret generation, clocks and error mapping. A [Store] owns
// atomicity: [Store.Rotate] must decide and apply a transition indivisibly.
// [MemoryStore] is the in-process implementation; Redis and SQL stores live
// under store/.
//
// # What this package must NOT do
//
//   - Persist or log plaintext secrets.
//   - Import the credledger root package.
//   - Retry failed transitions.
package refresh
