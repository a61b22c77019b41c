// Package rate implements the optional Redis login and reset-request
// throttle.
//
// # Window semantics
//
// Fixed-window counters: INCR, then EXPIRE on the first hit. Keys live under
// the configured prefix:
//   - <prefix>:rl:login:<login>  failed logins per login name
//   - <prefix>:rl:ip:<ip>        failed logins per client IP
//   - <prefix>:rl:reset:<login>  password reset requests per login name
//
// # What this package must NOT do
//
//   - Decide what a failure is. Callers record failures.
//   - Be imported outside the credledger module.
package rate
