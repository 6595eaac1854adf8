package rfsauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rfs-server/rfsauth/otp"
	"github.com/rfs-server/rfsauth/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	engine *Engine
	redis  *redis.Client
	mr     *miniredis.Miniredis
	clock  *testClock
	events *recordingSink
}

// recordingSink collects observer events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) Count(eventType string) int {
	n := 0
	for _, t := range s.Types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	cfg.Audit.DropIfFull = false
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return newTestEnvOn(t, mr, client, newTestClock(), mutate)
}

func newTestEnvOn(t *testing.T, mr *miniredis.Miniredis, client *redis.Client, clock *testClock, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	sink := &recordingSink{}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithObserver(sink).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, redis: client, mr: mr, clock: clock, events: sink}
}

// flush waits until the observer dispatcher has drained.
func (env *testEnv) flush() {
	env.engine.Close()
}

func (env *testEnv) identity(t *testing.T, handle string) Identity {
	t.Helper()
	ident, err := env.engine.CreateIdentity(context.Background(), handle, "")
	if err != nil {
		t.Fatalf("CreateIdentity(%q): %v", handle, err)
	}
	return ident
}

func (env *testEnv) identityWithPassword(t *testing.T, handle, plaintext string) Identity {
	t.Helper()
	ident := env.identity(t, handle)
	if err := env.engine.SetPassword(context.Background(), ident.ID, plaintext); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	return ident
}

func (env *testEnv) enroll(t *testing.T, identity int64) TOTPEnrollment {
	t.Helper()
	enrollment, err := env.engine.EnrollTOTP(context.Background(), identity, TOTPOptions{})
	if err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}
	return enrollment
}

func (env *testEnv) open(t *testing.T, identity int64) session.Token {
	t.Helper()
	tok, err := env.engine.Open(context.Background(), identity, session.AuthPassword)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tok
}

func (env *testEnv) code(t *testing.T, enrollment TOTPEnrollment, at time.Time) string {
	t.Helper()
	alg, err := otp.ParseAlgorithm(enrollment.Algorithm)
	if err != nil {
		t.Fatalf("ParseAlgorithm: %v", err)
	}
	code, err := otp.ComputeCode(enrollment.Secret, otp.Params{
		Algorithm: alg,
		Step:      enrollment.Step,
		Digits:    enrollment.Digits,
	}, at)
	if err != nil {
		t.Fatalf("ComputeCode: %v", err)
	}
	return code
}

func (env *testEnv) validate(t *testing.T, tok session.Token, requireVerified bool) session.ValidationResult {
	t.Helper()
	res, err := env.engine.Validate(context.Background(), tok, requireVerified)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return res
}
