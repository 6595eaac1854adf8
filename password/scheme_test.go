package password

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func pepper(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func newScheme(t *testing.T, current uint32, peppers map[uint32][]byte) *Scheme {
	t.Helper()
	argon, err := NewArgon2(fastConfig())
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}
	s, err := NewScheme(argon, current, peppers)
	if err != nil {
		t.Fatalf("NewScheme error: %v", err)
	}
	return s
}

func TestSchemeVersionZeroIsPlainPHC(t *testing.T) {
	s := newScheme(t, 0, nil)

	hash, version, err := s.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if version != 0 || !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("version=%d hash=%q", version, hash)
	}

	match, upgrade, err := s.Verify("correct-horse", hash, 0)
	if err != nil || !match || upgrade {
		t.Fatalf("match=%v upgrade=%v err=%v", match, upgrade, err)
	}
}

func TestSchemePepperedRoundTrip(t *testing.T) {
	s := newScheme(t, 2, map[uint32][]byte{1: pepper(1), 2: pepper(2)})

	hash, version, err := s.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if version != 2 || !strings.HasPrefix(hash, "$pepper$v=2$") {
		t.Fatalf("version=%d hash=%q", version, hash)
	}
	if strings.Contains(hash, "argon2id") {
		t.Fatal("peppered hash must not expose the inner PHC string")
	}

	match, upgrade, err := s.Verify("correct-horse", hash, 2)
	if err != nil || !match || upgrade {
		t.Fatalf("match=%v upgrade=%v err=%v", match, upgrade, err)
	}

	match, _, err = s.Verify("wrong-horse", hash, 2)
	if err != nil || match {
		t.Fatalf("wrong password: match=%v err=%v", match, err)
	}
}

func TestSchemeOlderVersionNeedsUpgrade(t *testing.T) {
	legacy := newScheme(t, 0, nil)
	hash, _, err := legacy.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	current := newScheme(t, 1, map[uint32][]byte{1: pepper(1)})
	match, upgrade, err := current.Verify("correct-horse", hash, 0)
	if err != nil || !match || !upgrade {
		t.Fatalf("match=%v upgrade=%v err=%v", match, upgrade, err)
	}

	match, upgrade, err = current.Verify("wrong", hash, 0)
	if err != nil || match || upgrade {
		t.Fatalf("mismatch must never request an upgrade: match=%v upgrade=%v err=%v", match, upgrade, err)
	}
}

func TestSchemeWrongPepperIsMalformed(t *testing.T) {
	a := newScheme(t, 1, map[uint32][]byte{1: pepper(1)})
	b := newScheme(t, 1, map[uint32][]byte{1: pepper(9)})

	hash, _, err := a.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if _, _, err := b.Verify("correct-horse", hash, 1); !errors.Is(err, ErrMalformedHash) {
		t.Fatalf("err = %v, want ErrMalformedHash", err)
	}
}

func TestSchemeUnknownVersion(t *testing.T) {
	s := newScheme(t, 1, map[uint32][]byte{1: pepper(1)})
	if _, _, err := s.Verify("x", "$pepper$v=5$AAAA", 5); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("err = %v, want ErrUnknownVersion", err)
	}
}

func TestNewSchemeValidation(t *testing.T) {
	argon, _ := NewArgon2(fastConfig())

	if _, err := NewScheme(argon, 1, nil); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("missing current pepper: err = %v", err)
	}
	if _, err := NewScheme(argon, 1, map[uint32][]byte{1: []byte("short")}); !errors.Is(err, ErrPepperKey) {
		t.Fatalf("short pepper: err = %v", err)
	}
	if _, err := NewScheme(argon, 0, map[uint32][]byte{0: pepper(1)}); err == nil {
		t.Fatal("expected version 0 pepper to be rejected")
	}
}

func TestDummyVerifyDoesNotPanic(t *testing.T) {
	s := newScheme(t, 0, nil)
	s.DummyVerify("anything")
}

func TestPolicy(t *testing.T) {
	p := Policy{MinLength: 8, MaxLength: 12}

	cases := []struct {
		in   string
		fail bool
	}{
		{"short", true},
		{"exactly8", false},
		{"twelve-chars", false},
		{"thirteen-char", true},
		{"пароль12", false},
		{string([]byte{0xff, 0xfe, 'a', 'b', 'c', 'd', 'e', 'f'}), true},
	}
	for _, c := range cases {
		err := p.Check(c.in)
		if c.fail != (err != nil) {
			t.Fatalf("Check(%q) err = %v, want fail=%v", c.in, err, c.fail)
		}
		if err != nil && !errors.Is(err, ErrPolicy) {
			t.Fatalf("Check(%q) err = %v, want ErrPolicy", c.in, err)
		}
	}

	extra := errors.New("contains handle")
	p.Extra = func(s string) error {
		if strings.Contains(s, "alice") {
			return extra
		}
		return nil
	}
	err := p.Check("alice-pass")
	if !errors.Is(err, ErrPolicy) || !errors.Is(err, extra) {
		t.Fatalf("Extra predicate error not joined: %v", err)
	}
}
