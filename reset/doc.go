// Package reset implements the single-use password-reset token ledger.
//
// A reset token is 32 random bytes, base64url without padding. Only its
// SHA-256 is stored. Redemption is two-phase: [Store.Claim] atomically marks
// the record redeemed, the caller's apply function performs the password
// write, and if apply fails [Store.Release] undoes the claim with a
// compare-and-set on the claim time. A token can therefore be applied at most
// once, and a failed apply leaves it usable.
//
// # What this package must NOT do
//
//   - Deliver tokens to users. Delivery is the caller's concern.
//   - Persist or log plaintext secrets.
package reset
