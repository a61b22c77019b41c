// Package password implements password hashing and verification with
// PBKDF2-HMAC-SHA256.
//
// # Output format
//
// Records are encoded as a single delimited string:
//
//	pbkdf2-sha256$<iterations>$<base64 salt>$<base64 key>
//
// The salt is 16 random bytes and the derived key is 32 bytes. The iteration
// count travels with the record, so raising [Config.Iterations] never breaks
// existing credentials; [PBKDF2.NeedsUpgrade] tells the caller when a record
// should be re-hashed after the next successful login.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy (minimum
// length, rehash-on-login) is enforced by the credledger Service.
//
// # What this package must NOT do
//
//   - Store or retrieve credentials. Callers supply plaintext and receive records.
//   - Import any other credledger package.
//   - Log plaintext passwords or derived keys.
package password
