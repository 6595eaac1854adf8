package session

import (
	"errors"
	"testing"
	"time"
)

func testSession(now time.Time) *Session {
	tok, _ := NewToken()
	return &Session{
		Token:      tok,
		IdentityID: 42,
		State:      StateAuthenticated,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
		AuthMethod: AuthPassword,
	}
}

func TestEvaluateOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name            string
		mutate          func(*Session)
		requireVerified bool
		want            ValidationResult
	}{
		{name: "valid", mutate: func(*Session) {}, want: Valid},
		{name: "unverified", mutate: func(*Session) {}, requireVerified: true, want: Unverified},
		{name: "verified", mutate: func(s *Session) { s.State = StateVerified }, requireVerified: true, want: Valid},
		{name: "expired", mutate: func(s *Session) { s.ExpiresAt = now }, want: Expired},
		{name: "dropped", mutate: func(s *Session) { s.Dropped = true }, want: Dropped},
		{
			name:   "dropped before expired",
			mutate: func(s *Session) { s.Dropped = true; s.ExpiresAt = now.Add(-time.Minute) },
			want:   Dropped,
		},
		{
			name:            "expired before unverified",
			mutate:          func(s *Session) { s.ExpiresAt = now.Add(-time.Minute) },
			requireVerified: true,
			want:            Expired,
		},
		{name: "pending", mutate: func(s *Session) { s.State = StatePendingAuth }, want: Unauthenticated},
	}

	for _, tc := range cases {
		s := testSession(now)
		tc.mutate(s)
		if got := Evaluate(s, now, tc.requireVerified); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}

	if got := Evaluate(nil, now, false); got != Unknown {
		t.Fatalf("nil session: expected unknown, got %s", got)
	}
}

func TestStateFromFlagsRejectsVerifiedWithoutAuth(t *testing.T) {
	if _, err := StateFromFlags(false, true); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState, got %v", err)
	}
	for _, st := range []State{StatePendingAuth, StateAuthenticated, StateVerified} {
		a, v := st.Flags()
		got, err := StateFromFlags(a, v)
		if err != nil || got != st {
			t.Fatalf("flags round trip for %s: got %s err=%v", st, got, err)
		}
	}
}

func TestTokenParse(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	parsed, err := ParseToken(tok.String())
	if err != nil || parsed != tok {
		t.Fatalf("ParseToken mismatch err=%v", err)
	}
	if _, err := ParseToken("short"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if tok.Fingerprint() == "" || len(tok.Fingerprint()) != 16 {
		t.Fatalf("unexpected fingerprint %q", tok.Fingerprint())
	}
}

func TestKeyringRotation(t *testing.T) {
	oldKey := []byte("0123456789abcdef0123456789abcdef")
	newKey := []byte("fedcba9876543210fedcba9876543210")

	oldRing, err := NewKeyring(oldKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	tok, _ := NewToken()
	cookie, err := oldRing.Encode(tok)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rotated, _ := NewKeyring(newKey, oldKey)
	got, err := rotated.Decode(cookie)
	if err != nil || got != tok {
		t.Fatalf("rotated keyring should accept old cookie, err=%v", err)
	}

	onlyNew, _ := NewKeyring(newKey)
	if _, err := onlyNew.Decode(cookie); !errors.Is(err, ErrTokenSignature) {
		t.Fatalf("expected signature failure after key retirement, got %v", err)
	}
}

func TestKeyringTamperDetected(t *testing.T) {
	kr, _ := NewKeyring([]byte("0123456789abcdef0123456789abcdef"))
	tok, _ := NewToken()
	cookie, _ := kr.Encode(tok)

	other, _ := NewToken()
	forged, _ := (&Keyring{}).Encode(other)
	if _, err := kr.Decode(forged); err != nil {
		t.Fatalf("zero-key cookies are accepted as a fallback, got %v", err)
	}

	b := []byte(cookie)
	if b[5] == 'A' {
		b[5] = 'B'
	} else {
		b[5] = 'A'
	}
	if _, err := kr.Decode(string(b)); err == nil {
		t.Fatal("expected tampered cookie to fail")
	}
}

func TestNewKeyringRejectsShortKey(t *testing.T) {
	if _, err := NewKeyring([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}
