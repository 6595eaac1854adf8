package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"
)

// TokenBytes is the length of a raw session token.
const TokenBytes = 48

// ErrTokenMalformed is returned when a token string cannot be decoded.
var ErrTokenMalformed = errors.New("session token malformed")

// ErrIllegalState is returned when persisted flags describe a state the model cannot represent.
var ErrIllegalState = errors.New("illegal session state")

// Token is the primary key of a session: high-entropy random bytes compared by exact
// equality and never parsed.
type Token [TokenBytes]byte

// NewToken returns a fresh random token.
func NewToken() (Token, error) {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		return Token{}, err
	}
	return t, nil
}

// String returns the unpadded base64url form used as a storage key.
func (t Token) String() string {
	return base64.RawURLEncoding.EncodeToString(t[:])
}

// Bytes returns a copy of the raw token bytes.
func (t Token) Bytes() []byte {
	out := make([]byte, TokenBytes)
	copy(out, t[:])
	return out
}

// IsZero reports whether t is the zero token.
func (t Token) IsZero() bool {
	return t == Token{}
}

// Fingerprint is a short non-reversible identifier safe for logs and audit events.
func (t Token) Fingerprint() string {
	sum := sha256.Sum256(t[:])
	return hex.EncodeToString(sum[:8])
}

// ParseToken decodes the base64url storage form produced by [Token.String].
func ParseToken(s string) (Token, error) {
	var t Token
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != TokenBytes {
		return t, ErrTokenMalformed
	}
	copy(t[:], raw)
	return t, nil
}

// TokenFromBytes copies raw into a Token.
func TokenFromBytes(raw []byte) (Token, error) {
	var t Token
	if len(raw) != TokenBytes {
		return t, ErrTokenMalformed
	}
	copy(t[:], raw)
	return t, nil
}

// State is the authentication progress of a session.
type State uint8

const (
	// StatePendingAuth is a session whose primary factor has not succeeded. It is part
	// of the model but the engine never persists it.
	StatePendingAuth State = iota
	// StateAuthenticated is a session whose primary factor succeeded.
	StateAuthenticated
	// StateVerified is an authenticated session that also cleared a second factor.
	StateVerified
)

func (s State) String() string {
	switch s {
	case StatePendingAuth:
		return "pending_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Flags returns the authenticated/verified boolean pair backends persist.
func (s State) Flags() (authenticated, verified bool) {
	switch s {
	case StateAuthenticated:
		return true, false
	case StateVerified:
		return true, true
	default:
		return false, false
	}
}

// StateFromFlags rebuilds a State from persisted flags.
func StateFromFlags(authenticated, verified bool) (State, error) {
	switch {
	case authenticated && verified:
		return StateVerified, nil
	case authenticated:
		return StateAuthenticated, nil
	case verified:
		return StatePendingAuth, ErrIllegalState
	default:
		return StatePendingAuth, nil
	}
}

// AuthMethod identifies the primary factor that opened a session.
type AuthMethod uint8

const (
	AuthNone AuthMethod = iota
	AuthPassword
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthPassword:
		return "password"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a known method.
func (m AuthMethod) Valid() bool {
	return m <= AuthPassword
}

// VerifyMethod identifies the second factor that verified a session.
type VerifyMethod uint8

const (
	VerifyNone VerifyMethod = iota
	VerifyTOTP
	VerifyBackupCode
)

func (m VerifyMethod) String() string {
	switch m {
	case VerifyNone:
		return "none"
	case VerifyTOTP:
		return "totp"
	case VerifyBackupCode:
		return "backup_code"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a known method.
func (m VerifyMethod) Valid() bool {
	return m <= VerifyBackupCode
}

// Session is one persisted session row.
type Session struct {
	Token        Token
	IdentityID   int64
	State        State
	Dropped      bool
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AuthMethod   AuthMethod
	VerifyMethod VerifyMethod
}

// Authenticated reports whether the primary factor succeeded.
func (s *Session) Authenticated() bool {
	return s != nil && s.State >= StateAuthenticated
}

// Verified reports whether the second factor succeeded.
func (s *Session) Verified() bool {
	return s != nil && s.State == StateVerified
}

// Expired reports whether now is at or past ExpiresAt.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Info is the read model handed to trusted callers. It never carries the token.
type Info struct {
	IdentityID   int64
	Fingerprint  string
	State        State
	Dropped      bool
	Expired      bool
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AuthMethod   AuthMethod
	VerifyMethod VerifyMethod
}

// Describe builds the Info view of s at now.
func (s *Session) Describe(now time.Time) Info {
	return Info{
		IdentityID:   s.IdentityID,
		Fingerprint:  s.Token.Fingerprint(),
		State:        s.State,
		Dropped:      s.Dropped,
		Expired:      s.Expired(now),
		IssuedAt:     s.IssuedAt,
		ExpiresAt:    s.ExpiresAt,
		AuthMethod:   s.AuthMethod,
		VerifyMethod: s.VerifyMethod,
	}
}
