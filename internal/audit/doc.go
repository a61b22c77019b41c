// Package audit implements async event dispatching for credential lifecycle
// events: logins, rotations, reuse detection and password resets.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON lines, Kafka, no-op).
//   - [Dispatcher]: buffered async relay that either drops or blocks when full.
//   - [Event]: one record with timestamp, type, identity, tenant, token ID and metadata.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does not decide
// which events to emit; the service and flow functions do.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import credledger or any sibling internal package.
//   - Carry secrets. Events hold record IDs, never refresh or reset secrets.
package audit
