package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rfs-server/rfsauth"
	"github.com/rfs-server/rfsauth/metrics/export/prometheus"
	"github.com/rfs-server/rfsauth/session"
)

type seeded struct {
	token session.Token
}

func main() {
	var (
		identities  = flag.Int("identities", 10000, "number of identities (one session each) to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		envPrefix   = flag.String("env-prefix", "RFS_", "prefix of configuration environment variables")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	)
	flag.Parse()

	if *identities <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "identities, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := rfsauth.LoadConfigFromEnv(*envPrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	cfg.Session.SlidingExpiration = true
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true

	client, cleanup, err := connect(*redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	engine, err := rfsauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(logger).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: prometheus.NewCollector(engine).Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener", "err", err)
			}
		}()
		defer srv.Close()
		fmt.Printf("serving metrics on %s\n", *metricsAddr)
	}

	ctx := context.Background()
	fmt.Printf("seeding %d identities...\n", *identities)
	startSeed := time.Now()
	states, err := seed(ctx, engine, *identities)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	validateStats := runPhase(*ops, *concurrency, 7919, func(r *rand.Rand) error {
		s := states[r.Intn(len(states))]
		res, err := engine.Validate(ctx, s.token, true)
		if err == nil && res != session.Valid {
			err = fmt.Errorf("validate: %s", res)
		}
		return err
	})
	authzStats := runPhase(*ops, *concurrency, 6151, func(r *rand.Rand) error {
		s := states[r.Intn(len(states))]
		_, err := engine.Authorize(ctx, s.token, true, "files", "read")
		return err
	})
	touchStats := runPhase(*ops, *concurrency, 4099, func(r *rand.Rand) error {
		return engine.Touch(ctx, states[r.Intn(len(states))].token)
	})

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("authorize", authzStats)
	printStats("touch", touchStats)
}

func connect(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		fmt.Printf("using miniredis at %s\n", mr.Addr())
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	fmt.Printf("using redis at %s\n", addr)
	return client, func() { _ = client.Close() }, nil
}

// seed creates one role granting files/read through a group every identity joins,
// then opens a verified session per identity.
func seed(ctx context.Context, engine *rfsauth.Engine, n int) ([]seeded, error) {
	role, err := engine.CreateRole(ctx, "loadtest-readers")
	if err != nil {
		return nil, err
	}
	group, err := engine.CreateGroup(ctx, "loadtest")
	if err != nil {
		return nil, err
	}
	if err := engine.Grant(ctx, role.ID, "files", "read"); err != nil {
		return nil, err
	}
	if err := engine.AssignGroupRole(ctx, group.ID, role.ID); err != nil {
		return nil, err
	}

	out := make([]seeded, 0, n)
	for i := 0; i < n; i++ {
		ident, err := engine.CreateIdentity(ctx, fmt.Sprintf("load-%d", i), "")
		if err != nil {
			return nil, err
		}
		if err := engine.AddGroupMember(ctx, group.ID, ident.ID); err != nil {
			return nil, err
		}
		tok, err := engine.Open(ctx, ident.ID, session.AuthPassword)
		if err != nil {
			return nil, err
		}
		if res, _ := engine.Validate(ctx, tok, false); res == session.Unverified {
			if err := engine.AdvanceVerification(ctx, tok, session.VerifyTOTP); err != nil {
				return nil, err
			}
		}
		out = append(out, seeded{token: tok})
	}
	return out, nil
}

func runPhase(ops, concurrency int, seedMul int64, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seedMul))
			for {
				if int(atomic.AddInt64(&cursor, 1))-1 >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
