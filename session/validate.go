package session

import "time"

// ValidationResult is the outcome of checking a session on the request path.
type ValidationResult uint8

const (
	Valid ValidationResult = iota
	Unauthenticated
	Unverified
	Expired
	Dropped
	Unknown
)

func (r ValidationResult) String() string {
	switch r {
	case Valid:
		return "valid"
	case Unauthenticated:
		return "unauthenticated"
	case Unverified:
		return "unverified"
	case Expired:
		return "expired"
	case Dropped:
		return "dropped"
	case Unknown:
		return "unknown"
	default:
		return "invalid_result"
	}
}

// Evaluate decides the validation result for s at now. A nil session is Unknown.
//
// Checks run in a fixed order: Unknown, Dropped, Expired, Unauthenticated, Unverified.
// A revoked or timed-out session is never reported as merely needing a second factor.
func Evaluate(s *Session, now time.Time, requireVerified bool) ValidationResult {
	if s == nil {
		return Unknown
	}
	if s.Dropped {
		return Dropped
	}
	if s.Expired(now) {
		return Expired
	}
	if !s.Authenticated() {
		return Unauthenticated
	}
	if requireVerified && !s.Verified() {
		return Unverified
	}
	return Valid
}
