// Package internal contains helpers that are private to credledger, chiefly
// secure random secret generation and hashing for the ledgers.
//
// # Sub-packages
//
//   - audit: async event dispatch and sinks
//   - flows: one orchestrator per Service operation
//   - rate: Redis-backed login and reset-request throttle
//
// # What this package must NOT do
//
//   - Export types that appear in the public credledger API.
//   - Persist or log plaintext secrets.
package internal
