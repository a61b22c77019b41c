// Package flows contains the orchestrators behind every Service operation.
//
// Each flow function (RunLogin, RunRefresh, RunConfirmPasswordReset, ...)
// takes a typed dependency struct and returns a result carrying a failure
// kind. The service maps failure kinds to its public sentinels and emits
// audit events and metrics; flows never do.
//
// # Architecture boundaries
//
// Flows coordinate the identity store, password hasher, ledgers and
// throttle. They do not own any of them.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import credledger (to avoid import cycles).
//   - Perform I/O other than through its dependency interfaces.
package flows
