package internaldefs

import (
	"github.com/MrEthical07/credledger"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   credledger.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   credledger.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: credledger.MetricRegisterSuccess, Name: "credledger_register_success_total", Help: "Identities registered."},
	{ID: credledger.MetricRegisterConflict, Name: "credledger_register_conflict_total", Help: "Registrations rejected for a taken username or email."},
	{ID: credledger.MetricLoginSuccess, Name: "credledger_login_success_total", Help: "Successful logins."},
	{ID: credledger.MetricLoginFailure, Name: "credledger_login_failure_total", Help: "Failed logins."},
	{ID: credledger.MetricLoginRateLimited, Name: "credledger_login_rate_limited_total", Help: "Logins rejected by the throttle."},
	{ID: credledger.MetricPasswordRehashed, Name: "credledger_password_rehashed_total", Help: "Stored hashes upgraded to the current cost on login."},
	{ID: credledger.MetricRefreshSuccess, Name: "credledger_refresh_success_total", Help: "Refresh tokens rotated."},
	{ID: credledger.MetricRefreshFailure, Name: "credledger_refresh_failure_total", Help: "Refresh attempts rejected."},
	{ID: credledger.MetricRefreshReuseDetected, Name: "credledger_refresh_reuse_detected_total", Help: "Rotated refresh tokens presented again."},
	{ID: credledger.MetricRefreshExpired, Name: "credledger_refresh_expired_total", Help: "Refresh tokens presented after expiry."},
	{ID: credledger.MetricLogout, Name: "credledger_logout_total", Help: "Single token logouts."},
	{ID: credledger.MetricLogoutAll, Name: "credledger_logout_all_total", Help: "Logout-all operations."},
	{ID: credledger.MetricAuthenticateFailure, Name: "credledger_authenticate_failure_total", Help: "Access tokens rejected."},
	{ID: credledger.MetricPasswordChangeSuccess, Name: "credledger_password_change_success_total", Help: "Successful password changes."},
	{ID: credledger.MetricPasswordChangeFailure, Name: "credledger_password_change_failure_total", Help: "Rejected password changes."},
	{ID: credledger.MetricPasswordResetRequest, Name: "credledger_password_reset_request_total", Help: "Password reset tokens issued."},
	{ID: credledger.MetricPasswordResetConfirmSuccess, Name: "credledger_password_reset_confirm_success_total", Help: "Password resets applied."},
	{ID: credledger.MetricPasswordResetConfirmFailure, Name: "credledger_password_reset_confirm_failure_total", Help: "Password reset confirmations rejected."},
	{ID: credledger.MetricPasswordResetReleaseFailure, Name: "credledger_password_reset_release_failure_total", Help: "Reset claims that could not be released after a failed apply."},
	{ID: credledger.MetricPrunedRecords, Name: "credledger_pruned_records_total", Help: "Expired ledger records removed."},
}

var HistogramDefs = []HistogramDef{
	{ID: credledger.MetricAuthenticateLatency, Name: "credledger_authenticate_latency_seconds", Help: "Access token validation latency."},
}

// HistogramBoundSuffix names each bucket's upper bound in seconds.
var HistogramBoundSuffix = []string{
	"0_00005",
	"0_0001",
	"0_00025",
	"0_0005",
	"0_001",
	"0_005",
	"0_025",
	"inf",
}

// CumulativeBuckets converts per-bucket counts into running totals. Missing
// trailing buckets count as zero.
func CumulativeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
