package rfsauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rfs-server/rfsauth/otp"
	"github.com/rfs-server/rfsauth/session"
)

func TestEnrollTOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")

	if _, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{Digits: 9}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("digits 9 err = %v", err)
	}
	if _, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{Algorithm: "MD5"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("MD5 err = %v", err)
	}
	if _, err := env.engine.EnrollTOTP(ctx, 777, TOTPOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown identity err = %v", err)
	}

	enrollment, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{Algorithm: "SHA256", Digits: 8})
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	if enrollment.Algorithm != "SHA256" || enrollment.Digits != 8 || enrollment.Step != 30 {
		t.Fatalf("unexpected params %+v", enrollment)
	}
	if enrollment.SecretBase32 != otp.EncodeSecret(enrollment.Secret) {
		t.Fatal("base32 form does not match raw secret")
	}
	if !strings.Contains(enrollment.URI, "issuer=rfs") || !strings.Contains(enrollment.URI, "alice") {
		t.Fatalf("URI %q", enrollment.URI)
	}

	if _, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second enrollment err = %v", err)
	}

	has, err := env.engine.HasTOTP(ctx, alice.ID)
	if err != nil || !has {
		t.Fatalf("HasTOTP = %v, %v", has, err)
	}
}

func TestVerifyTOTPWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")

	if _, err := env.engine.VerifyTOTP(ctx, alice.ID, "123456", env.clock.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no factor err = %v", err)
	}

	enrollment, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{Step: 30, Digits: 6})
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	now := env.clock.Now()

	cases := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"current step", 0, true},
		{"previous step", -30 * time.Second, true},
		{"next step", 30 * time.Second, true},
		{"two steps back", -60 * time.Second, false},
		{"two steps ahead", 60 * time.Second, false},
	}
	for _, c := range cases {
		code := env.code(t, enrollment, now.Add(c.offset))
		ok, err := env.engine.VerifyTOTP(ctx, alice.ID, code, now)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if ok != c.want {
			t.Fatalf("%s: ok = %v, want %v", c.name, ok, c.want)
		}
	}

	code := env.code(t, enrollment, now)
	for i := 0; i < 2; i++ {
		if ok, _ := env.engine.VerifyTOTP(ctx, alice.ID, code, now); !ok {
			t.Fatal("VerifyTOTP must not consume the code")
		}
	}

	for _, bad := range []string{"", "12345", "abcdef", "1234567"} {
		ok, err := env.engine.VerifyTOTP(ctx, alice.ID, bad, now)
		if err != nil || ok {
			t.Fatalf("malformed %q: ok=%v err=%v", bad, ok, err)
		}
	}
}

func TestTOTPReplayAcrossSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")
	enrollment, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{})
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}

	first := env.open(t, alice.ID)
	second := env.open(t, alice.ID)
	code := env.code(t, enrollment, env.clock.Now())

	if err := env.engine.VerifySessionTOTP(ctx, first, code); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := env.engine.VerifySessionTOTP(ctx, second, code); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("replay err = %v", err)
	}
	if res := env.validate(t, second, true); res != session.Unverified {
		t.Fatalf("replayed session: %v", res)
	}

	env.clock.Advance(30 * time.Second)
	if err := env.engine.VerifySessionTOTP(ctx, second, env.code(t, enrollment, env.clock.Now())); err != nil {
		t.Fatalf("next step: %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricTOTPReplay]; got != 1 {
		t.Fatalf("replay counter = %d", got)
	}
}

func TestVerifySessionTOTPRejectsDeadSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")
	enrollment, _ := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{})

	tok := env.open(t, alice.ID)
	if err := env.engine.Drop(ctx, tok); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if err := env.engine.VerifySessionTOTP(ctx, tok, env.code(t, enrollment, env.clock.Now())); !errors.Is(err, ErrDropped) {
		t.Fatalf("dropped session err = %v", err)
	}

	unknown, _ := session.NewToken()
	if err := env.engine.VerifySessionTOTP(ctx, unknown, "000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown session err = %v", err)
	}
}

func TestDisableTOTPRemovesBackupCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")

	if err := env.engine.DisableTOTP(ctx, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disable without factor err = %v", err)
	}

	if _, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{}); err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	codes, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 4)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}

	if err := env.engine.DisableTOTP(ctx, alice.ID); err != nil {
		t.Fatalf("DisableTOTP: %v", err)
	}
	if res, _ := env.engine.ConsumeBackupCode(ctx, alice.ID, codes[0]); res != Invalid {
		t.Fatalf("backup code after disable: %v", res)
	}
	if err := env.engine.DisableTOTP(ctx, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second disable err = %v", err)
	}
	if res, _ := env.engine.ConsumeBackupCode(ctx, alice.ID, codes[1]); res != Invalid {
		t.Fatalf("backup code after second disable: %v", res)
	}
	if _, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("codes after disable err = %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricTOTPDisabled]; got != 1 {
		t.Fatalf("totp disabled counter = %d, want 1", got)
	}

	tok := env.open(t, alice.ID)
	if res := env.validate(t, tok, true); res != session.Valid {
		t.Fatalf("session after disable should auto-verify: %v", res)
	}
}

func TestBackupCodeLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")

	if _, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 65); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("count 65 err = %v", err)
	}
	if _, err := env.engine.GenerateBackupCodes(ctx, 555, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown identity err = %v", err)
	}
	if _, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("codes without a factor err = %v", err)
	}
	env.enroll(t, alice.ID)

	codes, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 0)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("len(codes) = %d, want default 10", len(codes))
	}
	for _, c := range codes {
		if len(c) != 11 || c[5] != '-' {
			t.Fatalf("code %q not in XXXXX-XXXXX form", c)
		}
	}

	if res, err := env.engine.ConsumeBackupCode(ctx, alice.ID, codes[0]); err != nil || res != Accepted {
		t.Fatalf("first consume = %v, %v", res, err)
	}
	if res, _ := env.engine.ConsumeBackupCode(ctx, alice.ID, codes[0]); res != AlreadyUsed {
		t.Fatalf("second consume = %v", res)
	}

	loose := strings.ToLower(strings.ReplaceAll(codes[1], "-", " "))
	if res, _ := env.engine.ConsumeBackupCode(ctx, alice.ID, loose); res != Accepted {
		t.Fatalf("lower-case spaced code = %v", res)
	}

	for _, bad := range []string{"", "not a code!", "AAAAA-AAAAA"} {
		if res, err := env.engine.ConsumeBackupCode(ctx, alice.ID, bad); err != nil || res != Invalid {
			t.Fatalf("consume %q = %v, %v", bad, res, err)
		}
	}

	bob := env.identity(t, "bob")
	if res, _ := env.engine.ConsumeBackupCode(ctx, bob.ID, codes[2]); res != Invalid {
		t.Fatalf("code consumed by another identity: %v", res)
	}

	summary, err := env.engine.BackupCodeStatus(ctx, alice.ID)
	if err != nil {
		t.Fatalf("BackupCodeStatus: %v", err)
	}
	if summary.Total != 10 || summary.Remaining != 8 || len(summary.Epochs) != 1 {
		t.Fatalf("summary %+v", summary)
	}
	if summary.Epochs[0].GeneratedAt.IsZero() {
		t.Fatal("epoch time should decode from the UUIDv7 epoch")
	}
}

func TestConcurrentBackupCodeConsume(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")
	env.enroll(t, alice.ID)
	codes, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 1)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}

	const workers = 16
	var accepted, used atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			res, err := env.engine.ConsumeBackupCode(ctx, alice.ID, codes[0])
			if err != nil {
				t.Errorf("ConsumeBackupCode: %v", err)
				return
			}
			switch res {
			case Accepted:
				accepted.Add(1)
			case AlreadyUsed:
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 || used.Load() != workers-1 {
		t.Fatalf("accepted=%d already_used=%d", accepted.Load(), used.Load())
	}
}

func TestInvalidatePriorBackupCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")
	env.enroll(t, alice.ID)

	old, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 3)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	fresh, err := env.engine.GenerateBackupCodes(ctx, alice.ID, 3)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}

	if res, _ := env.engine.ConsumeBackupCode(ctx, alice.ID, old[0]); res != Accepted {
		t.Fatalf("old code before invalidation = %v", res)
	}

	n, err := env.engine.InvalidatePriorBackupCodes(ctx, alice.ID)
	if err != nil {
		t.Fatalf("InvalidatePriorBackupCodes: %v", err)
	}
	if n != 3 {
		t.Fatalf("invalidated %d codes, want 3", n)
	}
	if n, _ := env.engine.InvalidatePriorBackupCodes(ctx, alice.ID); n != 0 {
		t.Fatalf("second invalidation changed %d codes", n)
	}

	for _, c := range old {
		if res, _ := env.engine.ConsumeBackupCode(ctx, alice.ID, c); res != Invalid {
			t.Fatalf("revoked code %q = %v, want Invalid", c, res)
		}
	}
	if res, _ := env.engine.ConsumeBackupCode(ctx, alice.ID, fresh[0]); res != Accepted {
		t.Fatalf("fresh code = %v", res)
	}

	summary, _ := env.engine.BackupCodeStatus(ctx, alice.ID)
	if len(summary.Epochs) != 2 || summary.Epochs[0].Revoked != 3 || summary.Epochs[1].Remaining != 2 {
		t.Fatalf("summary %+v", summary)
	}

	env.flush()
	if env.events.Count(EventBackupCodesInvalidated) != 1 || env.events.Count(EventBackupCodesGenerated) != 2 {
		t.Fatalf("events %v", env.events.Types())
	}
}

func TestVerifySessionBackupCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")
	if _, err := env.engine.EnrollTOTP(ctx, alice.ID, TOTPOptions{}); err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	codes, _ := env.engine.GenerateBackupCodes(ctx, alice.ID, 2)

	tok := env.open(t, alice.ID)
	if err := env.engine.VerifySessionBackupCode(ctx, tok, "ZZZZZ-ZZZZZ"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong code err = %v", err)
	}
	if err := env.engine.VerifySessionBackupCode(ctx, tok, codes[0]); err != nil {
		t.Fatalf("VerifySessionBackupCode: %v", err)
	}
	info, _ := env.engine.Session(ctx, tok)
	if info.State != session.StateVerified || info.VerifyMethod != session.VerifyBackupCode {
		t.Fatalf("info %+v", info)
	}

	other := env.open(t, alice.ID)
	if err := env.engine.VerifySessionBackupCode(ctx, other, codes[0]); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("reused code err = %v", err)
	}
}
