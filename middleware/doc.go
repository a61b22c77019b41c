// Package middleware adapts credledger access token validation to
// net/http handlers.
//
// # Guards
//
//   - [Guard] rejects requests without a valid bearer access token.
//   - [RequireRole] additionally requires one of the given roles.
//
// Each guard reads the Authorization header, calls Service.Authenticate and
// stores the resolved claims in the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Authenticate calls. Every
// token decision is delegated to the service.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly.
//   - Touch refresh or reset ledgers.
//   - Distinguish rejection causes in responses.
package middleware
