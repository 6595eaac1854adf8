package rfsauth

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rfs-server/rfsauth/internal/audit"
	"github.com/rfs-server/rfsauth/password"
	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
	"github.com/rfs-server/rfsauth/store/pgstore"
	"github.com/rfs-server/rfsauth/store/redisstore"
)

// Builder assembles an Engine. Configure it during initialization, call Build once,
// then discard it.
type Builder struct {
	config Config

	redis   redis.UniversalClient
	db      *sql.DB
	backend store.Backend

	sink        Sink
	logger      *slog.Logger
	extraPolicy func(string) error
	clock       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis selects the Redis backend.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPostgres selects the PostgreSQL backend. The schema must already be migrated
// (see pgstore.Store.Migrate).
func (b *Builder) WithPostgres(db *sql.DB) *Builder {
	b.db = db
	return b
}

// WithStore supplies a custom backend.
func (b *Builder) WithStore(backend store.Backend) *Builder {
	b.backend = backend
	return b
}

// WithObserver routes observer events to sink and enables the dispatcher.
func (b *Builder) WithObserver(sink Sink) *Builder {
	b.sink = sink
	return b
}

// WithLogger sets the operational logger. The default discards everything.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithPasswordPolicy adds a predicate run after the configured length checks.
func (b *Builder) WithPasswordPolicy(check func(plaintext string) error) *Builder {
	b.extraPolicy = check
	return b
}

// WithClock overrides the time source. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. Exactly one backend must
// be selected.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.sink != nil {
		cfg.Audit.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := b.selectBackend(cfg)
	if err != nil {
		return nil, err
	}

	argon, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	scheme, err := password.NewScheme(argon, cfg.Password.SchemeVersion, cfg.Password.Peppers)
	if err != nil {
		return nil, err
	}

	keyring, err := session.NewKeyring(cfg.Session.SigningKeys...)
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	engine := &Engine{
		config:  cfg,
		store:   backend,
		scheme:  scheme,
		keyring: keyring,
		policy: password.Policy{
			MinLength: cfg.Password.MinLength,
			MaxLength: cfg.Password.MaxLength,
			Extra:     b.extraPolicy,
		},
		audit: audit.NewDispatcher(audit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.sink),
		metrics: NewMetrics(cfg.Metrics),
		logger:  logger,
		clock:   clock,
	}

	b.built = true

	return engine, nil
}

func (b *Builder) selectBackend(cfg Config) (store.Backend, error) {
	selected := 0
	for _, set := range []bool{b.redis != nil, b.db != nil, b.backend != nil} {
		if set {
			selected++
		}
	}
	switch {
	case selected == 0:
		return nil, errors.New("a backend is required: WithRedis, WithPostgres or WithStore")
	case selected > 1:
		return nil, errors.New("exactly one backend may be configured")
	case b.redis != nil:
		return redisstore.New(b.redis, cfg.Store.RedisPrefix), nil
	case b.db != nil:
		return pgstore.New(b.db), nil
	default:
		return b.backend, nil
	}
}
