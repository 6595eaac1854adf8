package rfsauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rfs-server/rfsauth/permission"
	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
	"github.com/rfs-server/rfsauth/store/redisstore"
)

func TestEndToEndLoginSecondFactorAndAuthorize(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	e := env.engine

	alice := env.identityWithPassword(t, "alice", "correct-horse")

	got, err := e.Authenticate(ctx, "alice", "correct-horse")
	if err != nil || got.ID != alice.ID {
		t.Fatalf("Authenticate = %+v, %v", got, err)
	}

	enrollment, err := e.EnrollTOTP(ctx, alice.ID, TOTPOptions{Step: 30, Digits: 6})
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	if !strings.HasPrefix(enrollment.URI, "otpauth://totp/") || len(enrollment.Secret) != 25 {
		t.Fatalf("unexpected enrollment %+v", enrollment)
	}

	tok := env.open(t, alice.ID)
	if res := env.validate(t, tok, true); res != session.Unverified {
		t.Fatalf("fresh session with TOTP factor: %v, want Unverified", res)
	}
	if res := env.validate(t, tok, false); res != session.Valid {
		t.Fatalf("fresh session without verification requirement: %v, want Valid", res)
	}

	if err := e.VerifySessionTOTP(ctx, tok, env.code(t, enrollment, env.clock.Now())); err != nil {
		t.Fatalf("VerifySessionTOTP: %v", err)
	}
	if res := env.validate(t, tok, true); res != session.Valid {
		t.Fatalf("verified session: %v, want Valid", res)
	}

	info, err := e.Session(ctx, tok)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if info.State != session.StateVerified || info.VerifyMethod != session.VerifyTOTP || info.IdentityID != alice.ID {
		t.Fatalf("unexpected info %+v", info)
	}

	readers, err := e.CreateRole(ctx, "readers")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := e.Grant(ctx, readers.ID, permission.ScopeFS, permission.AbilityRead); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	staff, err := e.CreateGroup(ctx, "staff")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := e.AssignGroupRole(ctx, staff.ID, readers.ID); err != nil {
		t.Fatalf("AssignGroupRole: %v", err)
	}
	if err := e.AddGroupMember(ctx, staff.ID, alice.ID); err != nil {
		t.Fatalf("AddGroupMember: %v", err)
	}

	id, err := e.Authorize(ctx, tok, true, permission.ScopeFS, permission.AbilityRead)
	if err != nil || id != alice.ID {
		t.Fatalf("Authorize read = %d, %v", id, err)
	}
	if _, err := e.Authorize(ctx, tok, true, permission.ScopeFS, permission.AbilityWrite); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Authorize write err = %v, want ErrPermissionDenied", err)
	}

	if err := e.Drop(ctx, tok); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if res := env.validate(t, tok, true); res != session.Dropped {
		t.Fatalf("dropped session: %v", res)
	}
	if _, err := e.Authorize(ctx, tok, false, permission.ScopeFS, permission.AbilityRead); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Authorize on dropped session err = %v", err)
	}

	env.flush()
	for _, want := range []string{EventIdentityCreated, EventPasswordSet, EventTOTPEnrolled, EventSessionOpened, EventSessionVerified, EventSessionDropped} {
		if env.events.Count(want) == 0 {
			t.Fatalf("missing %s event in %v", want, env.events.Types())
		}
	}
}

func TestAuthenticateIsUniform(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.identityWithPassword(t, "alice", "correct-horse")
	env.identity(t, "bob")

	cases := []struct {
		handle, password string
	}{
		{"alice", "wrong-horse"},
		{"nobody", "correct-horse"},
		{"bob", "correct-horse"},
		{"bad handle!", "correct-horse"},
	}
	for _, c := range cases {
		_, err := env.engine.Authenticate(ctx, c.handle, c.password)
		if err != ErrAuthenticationFailed {
			t.Fatalf("Authenticate(%q) err = %v, want bare ErrAuthenticationFailed", c.handle, err)
		}
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricAuthenticateFailure]; got != uint64(len(cases)) {
		t.Fatalf("authenticate failures = %d", got)
	}
}

func TestAuthenticateRetiredPepperIsUniform(t *testing.T) {
	pepper := []byte("0123456789abcdef0123456789abcdef")
	peppered := newTestEnv(t, func(c *Config) {
		c.Password.SchemeVersion = 1
		c.Password.Peppers = map[uint32][]byte{1: pepper}
	})
	ctx := context.Background()
	peppered.identityWithPassword(t, "dora", "correct-horse")

	// The pepper for version 1 is no longer configured.
	retired := newTestEnvOn(t, peppered.mr, peppered.redis, peppered.clock, nil)
	for _, password := range []string{"correct-horse", "wrong-horse"} {
		_, err := retired.engine.Authenticate(ctx, "dora", password)
		if err != ErrAuthenticationFailed {
			t.Fatalf("Authenticate(%q) err = %v, want bare ErrAuthenticationFailed", password, err)
		}
	}
	if got := retired.engine.MetricsSnapshot().Counters[MetricAuthenticateFailure]; got != 2 {
		t.Fatalf("authenticate failures = %d, want 2", got)
	}
}

// spentPasswordRead holds GetPassword until the caller's operation budget is gone.
type spentPasswordRead struct {
	store.Backend
}

func (s spentPasswordRead) GetPassword(ctx context.Context, identity int64) (store.PasswordCredential, error) {
	cred, err := s.Backend.GetPassword(ctx, identity)
	<-ctx.Done()
	return cred, err
}

func TestPasswordMigrationGetsOwnBudget(t *testing.T) {
	legacy := newTestEnv(t, nil)
	ctx := context.Background()
	alice := legacy.identityWithPassword(t, "alice", "correct-horse")

	cfg := testConfig()
	cfg.Password.SchemeVersion = 1
	cfg.Password.Peppers = map[uint32][]byte{1: []byte("0123456789abcdef0123456789abcdef")}
	cfg.Store.OperationTimeout = 100 * time.Millisecond
	backend := redisstore.New(legacy.redis, "")
	engine, err := New().
		WithConfig(cfg).
		WithStore(spentPasswordRead{Backend: backend}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	res, err := engine.VerifyPassword(ctx, alice.ID, "correct-horse")
	if err != nil || res != Match {
		t.Fatalf("VerifyPassword = %v, %v", res, err)
	}
	after, err := backend.GetPassword(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetPassword: %v", err)
	}
	if after.Version != 1 {
		t.Fatalf("credential not migrated after a slow read: %+v", after)
	}
	if got := engine.MetricsSnapshot().Counters[MetricPasswordMigrated]; got != 1 {
		t.Fatalf("migrated counter = %d, want 1", got)
	}
}

func TestSetPasswordPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")

	if err := env.engine.SetPassword(ctx, alice.ID, "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password err = %v", err)
	}
	if err := env.engine.SetPassword(ctx, 9999, "correct-horse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown identity err = %v", err)
	}
	if _, err := env.engine.VerifyPassword(ctx, alice.ID, "correct-horse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no credential err = %v", err)
	}
}

func TestPasswordPolicyPredicate(t *testing.T) {
	mr := newTestEnv(t, nil)
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(mr.redis).
		WithPasswordPolicy(func(p string) error {
			if strings.Contains(p, "password") {
				return errors.New("too obvious")
			}
			return nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ident, err := engine.CreateIdentity(context.Background(), "carol", "")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := engine.SetPassword(context.Background(), ident.ID, "my-password-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("predicate err = %v", err)
	}
}

func TestLegacySchemeMigratesOnVerify(t *testing.T) {
	legacy := newTestEnv(t, nil)
	ctx := context.Background()
	alice := legacy.identityWithPassword(t, "alice", "correct-horse")

	pepper := []byte("0123456789abcdef0123456789abcdef")
	current := newTestEnvOn(t, legacy.mr, legacy.redis, legacy.clock, func(c *Config) {
		c.Password.SchemeVersion = 1
		c.Password.Peppers = map[uint32][]byte{1: pepper}
	})

	backend := redisstore.New(legacy.redis, "")
	before, err := backend.GetPassword(ctx, alice.ID)
	if err != nil || before.Version != 0 {
		t.Fatalf("stored before = %+v, %v", before, err)
	}

	res, err := current.engine.VerifyPassword(ctx, alice.ID, "correct-horse")
	if err != nil || res != Match {
		t.Fatalf("VerifyPassword = %v, %v", res, err)
	}

	after, err := backend.GetPassword(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetPassword: %v", err)
	}
	if after.Version != 1 || !strings.HasPrefix(after.Hash, "$pepper$v=1$") {
		t.Fatalf("credential not migrated: %+v", after)
	}

	res, err = current.engine.VerifyPassword(ctx, alice.ID, "correct-horse")
	if err != nil || res != Match {
		t.Fatalf("VerifyPassword after migration = %v, %v", res, err)
	}
	if res, _ := current.engine.VerifyPassword(ctx, alice.ID, "wrong-horse"); res != Mismatch {
		t.Fatal("wrong password matched after migration")
	}

	current.flush()
	if n := current.events.Count(EventPasswordSchemeMigrated); n != 1 {
		t.Fatalf("migration events = %d, want 1", n)
	}
	if got := current.engine.MetricsSnapshot().Counters[MetricPasswordMigrated]; got != 1 {
		t.Fatalf("migrated counter = %d", got)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identityWithPassword(t, "alice", "correct-horse")
	tok := env.open(t, alice.ID)

	if err := env.engine.ChangePassword(ctx, alice.ID, "wrong-horse", "battery-staple"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong current err = %v", err)
	}
	if err := env.engine.ChangePassword(ctx, alice.ID, "correct-horse", "correct-horse"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("reuse err = %v", err)
	}
	if err := env.engine.ChangePassword(ctx, alice.ID, "correct-horse", "battery-staple"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := env.engine.Authenticate(ctx, "alice", "battery-staple"); err != nil {
		t.Fatalf("Authenticate with new password: %v", err)
	}
	if res := env.validate(t, tok, false); res != session.Dropped {
		t.Fatalf("session after password change: %v, want Dropped", res)
	}
}

func TestOpenAutoVerifiesWithoutFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.identity(t, "alice")

	tok := env.open(t, alice.ID)
	if res := env.validate(t, tok, true); res != session.Valid {
		t.Fatalf("auto-verified session: %v", res)
	}

	strict := newTestEnvOn(t, env.mr, env.redis, env.clock, func(c *Config) {
		c.Session.AutoVerifyWithoutMFA = false
	})
	tok = strict.open(t, alice.ID)
	if res := strict.validate(t, tok, true); res != session.Unverified {
		t.Fatalf("session without auto-verify: %v", res)
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Open(ctx, 1, session.AuthNone); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("AuthNone err = %v", err)
	}
	if _, err := env.engine.Open(ctx, 4242, session.AuthPassword); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown identity err = %v", err)
	}
}

func TestValidateOrdering(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Session.AutoVerifyWithoutMFA = false })
	ctx := context.Background()
	alice := env.identity(t, "alice")

	unknown, _ := session.NewToken()
	if res := env.validate(t, unknown, true); res != session.Unknown {
		t.Fatalf("unknown token: %v", res)
	}

	expiring := env.open(t, alice.ID)
	dropped := env.open(t, alice.ID)
	if err := env.engine.Drop(ctx, dropped); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	env.clock.Advance(env.engine.Config().Session.TTL + time.Second)

	if res := env.validate(t, dropped, true); res != session.Dropped {
		t.Fatalf("dropped and expired: %v, want Dropped", res)
	}
	if res := env.validate(t, expiring, true); res != session.Expired {
		t.Fatalf("unverified and expired: %v, want Expired", res)
	}
	if err := env.engine.AdvanceVerification(ctx, expiring, session.VerifyTOTP); !errors.Is(err, ErrExpired) {
		t.Fatalf("advance expired err = %v", err)
	}
	if err := env.engine.AdvanceVerification(ctx, dropped, session.VerifyTOTP); !errors.Is(err, ErrDropped) {
		t.Fatalf("advance dropped err = %v", err)
	}
	if err := env.engine.AdvanceVerification(ctx, unknown, session.VerifyTOTP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("advance unknown err = %v", err)
	}
}

func TestDropIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")
	tok := env.open(t, alice.ID)

	for i := 0; i < 3; i++ {
		if err := env.engine.Drop(ctx, tok); err != nil {
			t.Fatalf("Drop #%d: %v", i, err)
		}
	}
	unknown, _ := session.NewToken()
	if err := env.engine.Drop(ctx, unknown); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Drop unknown err = %v", err)
	}

	env.flush()
	if n := env.events.Count(EventSessionDropped); n != 1 {
		t.Fatalf("drop events = %d, want 1", n)
	}
}

func TestConcurrentAdvanceAndDrop(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Session.AutoVerifyWithoutMFA = false })
	ctx := context.Background()
	alice := env.identity(t, "alice")

	for i := 0; i < 50; i++ {
		tok := env.open(t, alice.ID)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = env.engine.AdvanceVerification(ctx, tok, session.VerifyBackupCode)
		}()
		go func() {
			defer wg.Done()
			if err := env.engine.Drop(ctx, tok); err != nil {
				t.Errorf("Drop: %v", err)
			}
		}()
		wg.Wait()

		if res := env.validate(t, tok, false); res != session.Dropped {
			t.Fatalf("iteration %d: %v, want Dropped", i, res)
		}
	}
}

func TestTouchSlidingExpiration(t *testing.T) {
	ctx := context.Background()

	fixed := newTestEnv(t, nil)
	alice := fixed.identity(t, "alice")
	tok := fixed.open(t, alice.ID)
	if err := fixed.engine.Touch(ctx, tok); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Touch without sliding expiration err = %v", err)
	}

	env := newTestEnvOn(t, fixed.mr, fixed.redis, fixed.clock, func(c *Config) {
		c.Session.SlidingExpiration = true
		c.Session.TTL = time.Hour
		c.Session.AbsoluteLifetime = 90 * time.Minute
	})
	tok = env.open(t, alice.ID)
	issued := env.clock.Now()

	env.clock.Advance(20 * time.Minute)
	if err := env.engine.Touch(ctx, tok); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	info, _ := env.engine.Session(ctx, tok)
	if want := issued.Add(80 * time.Minute); !info.ExpiresAt.Equal(want) {
		t.Fatalf("expires = %v, want %v", info.ExpiresAt, want)
	}

	env.clock.Advance(50 * time.Minute)
	if err := env.engine.Touch(ctx, tok); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	info, _ = env.engine.Session(ctx, tok)
	if want := issued.Add(90 * time.Minute); !info.ExpiresAt.Equal(want) {
		t.Fatalf("expires = %v, want absolute cap %v", info.ExpiresAt, want)
	}

	env.clock.Advance(21 * time.Minute)
	if err := env.engine.Touch(ctx, tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("Touch past absolute lifetime err = %v", err)
	}
}

func TestTokenCookieRoundTrip(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Session.SigningKeys = [][]byte{[]byte("0123456789abcdef0123456789abcdef")}
	})
	alice := env.identity(t, "alice")
	tok := env.open(t, alice.ID)

	value, err := env.engine.EncodeToken(tok)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	got, err := env.engine.DecodeToken(value)
	if err != nil || got != tok {
		t.Fatalf("DecodeToken = %v, %v", got, err)
	}

	tampered := []byte(value)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}
	if _, err := env.engine.DecodeToken(string(tampered)); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("tampered cookie err = %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.identity(t, "alice")
	env.open(t, alice.ID)

	if _, err := env.engine.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.engine.RunSweeper(ctx, time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunSweeper err = %v", err)
	}
	if err := env.engine.RunSweeper(context.Background(), 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("RunSweeper zero interval err = %v", err)
	}
}

func TestDeleteIdentityCascades(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	e := env.engine

	alice := env.identityWithPassword(t, "alice", "correct-horse")
	if _, err := e.EnrollTOTP(ctx, alice.ID, TOTPOptions{}); err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	if _, err := e.GenerateBackupCodes(ctx, alice.ID, 0); err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	tok := env.open(t, alice.ID)
	role, _ := e.CreateRole(ctx, "admins")
	group, _ := e.CreateGroup(ctx, "ops")
	if err := e.AssignRole(ctx, alice.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := e.AddGroupMember(ctx, group.ID, alice.ID); err != nil {
		t.Fatalf("AddGroupMember: %v", err)
	}

	if err := e.DeleteIdentity(ctx, alice.ID); err != nil {
		t.Fatalf("DeleteIdentity: %v", err)
	}

	if _, err := e.Identity(ctx, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Identity err = %v", err)
	}
	if _, err := e.VerifyPassword(ctx, alice.ID, "correct-horse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("VerifyPassword err = %v", err)
	}
	if has, err := e.HasTOTP(ctx, alice.ID); err != nil || has {
		t.Fatalf("HasTOTP = %v, %v", has, err)
	}
	if summary, _ := e.BackupCodeStatus(ctx, alice.ID); summary.Total != 0 {
		t.Fatalf("backup codes survived: %+v", summary)
	}
	if res := env.validate(t, tok, false); res != session.Unknown {
		t.Fatalf("session after delete: %v", res)
	}
	if members, err := e.GroupMembers(ctx, group.ID); err != nil || len(members) != 0 {
		t.Fatalf("GroupMembers = %v, %v", members, err)
	}

	if _, err := e.CreateIdentity(ctx, "alice", ""); err != nil {
		t.Fatalf("handle not released: %v", err)
	}
}

func TestIdentityDirectory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	e := env.engine

	for _, bad := range []string{"", "has space", strings.Repeat("a", 65), "semi;colon"} {
		if _, err := e.CreateIdentity(ctx, bad, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("CreateIdentity(%q) err = %v", bad, err)
		}
	}
	if _, err := e.CreateIdentity(ctx, "alice", "not-an-address"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad contact err = %v", err)
	}

	alice, err := e.CreateIdentity(ctx, "alice", "alice@example.org")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if _, err := e.CreateIdentity(ctx, "alice", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate handle err = %v", err)
	}
	if _, err := e.CreateIdentity(ctx, "alice2", "alice@example.org"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate contact err = %v", err)
	}

	if err := e.MarkContactVerified(ctx, alice.ID); err != nil {
		t.Fatalf("MarkContactVerified: %v", err)
	}
	got, _ := e.IdentityByHandle(ctx, "alice")
	if !got.ContactVerified {
		t.Fatal("contact should be verified")
	}

	if err := e.SetContact(ctx, alice.ID, "alice@example.net"); err != nil {
		t.Fatalf("SetContact: %v", err)
	}
	got, _ = e.Identity(ctx, alice.ID)
	if got.Contact != "alice@example.net" || got.ContactVerified {
		t.Fatalf("SetContact did not reset verification: %+v", got)
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.Validate(context.Background(), session.Token{}, false); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("err = %v", err)
	}
	if err := e.Grant(context.Background(), 1, "Fs", "Read"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("err = %v", err)
	}
	e.Close()
}
