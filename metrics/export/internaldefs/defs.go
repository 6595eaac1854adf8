package internaldefs

import (
	"github.com/rfs-server/rfsauth"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   rfsauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   rfsauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the gauge exported for observer events dropped on a full buffer.
const (
	AuditDroppedName = "rfsauth_audit_dropped_total"
	AuditDroppedHelp = "Observer events dropped because the dispatch buffer was full."
)

// CounterDefs lists every exported counter in MetricID order.
var CounterDefs = []CounterDef{
	{ID: rfsauth.MetricPasswordVerifySuccess, Name: "rfsauth_password_verify_success_total", Help: "Password checks that matched."},
	{ID: rfsauth.MetricPasswordVerifyFailure, Name: "rfsauth_password_verify_failure_total", Help: "Password checks that did not match."},
	{ID: rfsauth.MetricPasswordSet, Name: "rfsauth_password_set_total", Help: "Passwords stored."},
	{ID: rfsauth.MetricPasswordMigrated, Name: "rfsauth_password_migrated_total", Help: "Stored hashes re-written under the current scheme."},
	{ID: rfsauth.MetricAuthenticateFailure, Name: "rfsauth_authenticate_failure_total", Help: "Handle and password logins that failed."},
	{ID: rfsauth.MetricTOTPEnrolled, Name: "rfsauth_totp_enrolled_total", Help: "TOTP factors enrolled."},
	{ID: rfsauth.MetricTOTPDisabled, Name: "rfsauth_totp_disabled_total", Help: "TOTP factors removed."},
	{ID: rfsauth.MetricTOTPSuccess, Name: "rfsauth_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: rfsauth.MetricTOTPFailure, Name: "rfsauth_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: rfsauth.MetricTOTPReplay, Name: "rfsauth_totp_replay_total", Help: "TOTP codes rejected because their step was already used."},
	{ID: rfsauth.MetricBackupCodeUsed, Name: "rfsauth_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: rfsauth.MetricBackupCodeFailed, Name: "rfsauth_backup_code_failed_total", Help: "Backup code attempts that were rejected."},
	{ID: rfsauth.MetricBackupCodeRegenerated, Name: "rfsauth_backup_code_regenerated_total", Help: "Backup code batches generated."},
	{ID: rfsauth.MetricBackupCodeInvalidated, Name: "rfsauth_backup_code_invalidated_total", Help: "Backup codes revoked by a newer batch."},
	{ID: rfsauth.MetricSessionOpened, Name: "rfsauth_session_opened_total", Help: "Sessions opened."},
	{ID: rfsauth.MetricSessionVerified, Name: "rfsauth_session_verified_total", Help: "Sessions advanced to verified."},
	{ID: rfsauth.MetricSessionTouched, Name: "rfsauth_session_touched_total", Help: "Sliding expiry extensions."},
	{ID: rfsauth.MetricSessionDropped, Name: "rfsauth_session_dropped_total", Help: "Sessions dropped."},
	{ID: rfsauth.MetricSessionDropAll, Name: "rfsauth_session_drop_all_total", Help: "Drop-all operations."},
	{ID: rfsauth.MetricSessionSwept, Name: "rfsauth_session_swept_total", Help: "Expired sessions purged by the sweeper."},
	{ID: rfsauth.MetricValidateValid, Name: "rfsauth_validate_valid_total", Help: "Session validations that returned Valid."},
	{ID: rfsauth.MetricValidateRejected, Name: "rfsauth_validate_rejected_total", Help: "Session validations that returned anything but Valid."},
	{ID: rfsauth.MetricAuthzAllowed, Name: "rfsauth_authz_allowed_total", Help: "Authorize calls that were granted."},
	{ID: rfsauth.MetricAuthzDenied, Name: "rfsauth_authz_denied_total", Help: "Authorize calls that were denied."},
	{ID: rfsauth.MetricBackendUnavailable, Name: "rfsauth_backend_unavailable_total", Help: "Backend calls that failed as unavailable."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: rfsauth.MetricValidateLatency, Name: "rfsauth_validate_latency_seconds", Help: "Session validation latency."},
}

// HistogramBoundsSeconds are the upper bounds of the engine latency buckets, +Inf
// excluded.
var HistogramBoundsSeconds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// NormalizeBuckets copies raw into a fixed array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
