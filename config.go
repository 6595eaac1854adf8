package rfsauth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/rfs-server/rfsauth/otp"
)

// Config holds every tunable of the engine. Build validates it once; the engine
// keeps its own copy afterwards.
type Config struct {
	Session  SessionConfig  `envPrefix:"SESSION_"`
	Password PasswordConfig `envPrefix:"PASSWORD_"`
	TOTP     TOTPConfig     `envPrefix:"TOTP_"`
	Store    StoreConfig    `envPrefix:"STORE_"`
	Audit    AuditConfig    `envPrefix:"AUDIT_"`
	Metrics  MetricsConfig  `envPrefix:"METRICS_"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and cookie signing.
type SessionConfig struct {
	TTL time.Duration `env:"TTL"`
	// AbsoluteLifetime caps sliding extension, measured from issued-at.
	AbsoluteLifetime  time.Duration `env:"ABSOLUTE_LIFETIME"`
	SlidingExpiration bool          `env:"SLIDING_EXPIRATION"`
	// AutoVerifyWithoutMFA opens sessions directly verified when the identity has no
	// TOTP factor.
	AutoVerifyWithoutMFA bool `env:"AUTO_VERIFY_WITHOUT_MFA"`
	DropOnPasswordChange bool `env:"DROP_ON_PASSWORD_CHANGE"`
	// ExpiredRetention keeps expired rows readable (reported Expired rather than
	// Unknown) before the sweeper or key TTL reclaims them.
	ExpiredRetention time.Duration `env:"EXPIRED_RETENTION"`
	// SigningKeys sign cookie values, newest first.
	SigningKeys [][]byte `env:"-"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id costs, the length policy and the pepper scheme.
type PasswordConfig struct {
	Memory      uint32 `env:"MEMORY"`
	Time        uint32 `env:"TIME"`
	Parallelism uint8  `env:"PARALLELISM"`
	SaltLength  uint32 `env:"SALT_LENGTH"`
	KeyLength   uint32 `env:"KEY_LENGTH"`

	MinLength int `env:"MIN_LENGTH"`
	MaxLength int `env:"MAX_LENGTH"`

	// SchemeVersion is the single "current scheme" value. New hashes are written under
	// it and older ones are migrated on the next successful verification.
	SchemeVersion uint32            `env:"SCHEME_VERSION"`
	Peppers       map[uint32][]byte `env:"-"`
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig holds defaults for new TOTP factors and backup codes.
type TOTPConfig struct {
	Issuer      string `env:"ISSUER"`
	Algorithm   string `env:"ALGORITHM"`
	Step        uint32 `env:"STEP"`
	Digits      int    `env:"DIGITS"`
	Skew        uint32 `env:"SKEW"`
	SecretBytes int    `env:"SECRET_BYTES"`

	BackupCodeCount  int `env:"BACKUP_CODE_COUNT"`
	BackupCodeLength int `env:"BACKUP_CODE_LENGTH"`
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig bounds backend calls.
type StoreConfig struct {
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT"`
	RedisPrefix      string        `env:"REDIS_PREFIX"`
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous observer dispatcher.
type AuditConfig struct {
	Enabled    bool `env:"ENABLED"`
	BufferSize int  `env:"BUFFER_SIZE"`
	DropIfFull bool `env:"DROP_IF_FULL"`
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `env:"ENABLED"`
	EnableLatencyHistograms bool `env:"ENABLE_LATENCY_HISTOGRAMS"`
}

const (
	maxBackupCodeCount = 64
	maxTokenAttempts   = 10
)

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration Build uses when none is supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			TTL:                  7 * 24 * time.Hour,
			AbsoluteLifetime:     30 * 24 * time.Hour,
			SlidingExpiration:    false,
			AutoVerifyWithoutMFA: true,
			DropOnPasswordChange: true,
			ExpiredRetention:     24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:        64 * 1024,
			Time:          3,
			Parallelism:   2,
			SaltLength:    16,
			KeyLength:     32,
			MinLength:     8,
			MaxLength:     1024,
			SchemeVersion: 0,
		},
		TOTP: TOTPConfig{
			Issuer:           "rfs",
			Algorithm:        string(otp.SHA1),
			Step:             30,
			Digits:           6,
			Skew:             1,
			SecretBytes:      25,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
		},
		Store: StoreConfig{
			OperationTimeout: 2 * time.Second,
			RedisPrefix:      "rfsauth",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Session.SigningKeys != nil {
		out.Session.SigningKeys = make([][]byte, len(cfg.Session.SigningKeys))
		for i, k := range cfg.Session.SigningKeys {
			out.Session.SigningKeys[i] = cloneBytes(k)
		}
	}
	if cfg.Password.Peppers != nil {
		out.Password.Peppers = make(map[uint32][]byte, len(cfg.Password.Peppers))
		for v, k := range cfg.Password.Peppers {
			out.Password.Peppers[v] = cloneBytes(k)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks cross-field constraints. Cost floors of the password hasher are
// enforced again when the hasher is built.
func (c *Config) Validate() error {
	if c.Session.TTL <= 0 {
		return errors.New("Session TTL must be > 0")
	}
	if c.Session.AbsoluteLifetime < c.Session.TTL {
		return errors.New("Session AbsoluteLifetime must be >= TTL")
	}
	if c.Session.ExpiredRetention < 0 {
		return errors.New("Session ExpiredRetention must be >= 0")
	}

	if c.Password.MinLength < 1 {
		return errors.New("Password MinLength must be >= 1")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be >= MinLength")
	}
	if c.Password.SchemeVersion > 0 {
		if _, ok := c.Password.Peppers[c.Password.SchemeVersion]; !ok {
			return fmt.Errorf("Password SchemeVersion %d has no pepper", c.Password.SchemeVersion)
		}
	}

	if c.TOTP.Issuer == "" || strings.Contains(c.TOTP.Issuer, ":") {
		return errors.New("TOTP Issuer must be non-empty and contain no colon")
	}
	alg, err := otp.ParseAlgorithm(c.TOTP.Algorithm)
	if err != nil {
		return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
	}
	if err := (otp.Params{Algorithm: alg, Step: c.TOTP.Step, Digits: c.TOTP.Digits}).Validate(); err != nil {
		return fmt.Errorf("TOTP defaults: %w", err)
	}
	if c.TOTP.Skew > 10 {
		return errors.New("TOTP Skew must be <= 10")
	}
	if c.TOTP.SecretBytes < 16 {
		return errors.New("TOTP SecretBytes must be >= 16")
	}
	if c.TOTP.BackupCodeCount <= 0 || c.TOTP.BackupCodeCount > maxBackupCodeCount {
		return errors.New("TOTP BackupCodeCount must be between 1 and 64")
	}
	if c.TOTP.BackupCodeLength < 8 || c.TOTP.BackupCodeLength > 32 {
		return errors.New("TOTP BackupCodeLength must be between 8 and 32")
	}

	if c.Store.OperationTimeout <= 0 {
		return errors.New("Store OperationTimeout must be > 0")
	}
	if c.Store.RedisPrefix == "" {
		return errors.New("Store RedisPrefix must be non-empty")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	return nil
}

/*
====================================
ENVIRONMENT
====================================
*/

// envSecrets carries the key lists that need custom decoding.
type envSecrets struct {
	Peppers     string `env:"PASSWORD_PEPPERS"`
	SessionKeys string `env:"SESSION_KEYS"`
}

// LoadConfigFromEnv overlays environment variables named prefix+FIELD onto the
// defaults. Pepper and signing keys are read from PASSWORD_PEPPERS and SESSION_KEYS
// as comma-separated "version:base64" entries; signing keys are ordered by
// descending version so the highest version signs.
func LoadConfigFromEnv(prefix string) (Config, error) {
	cfg := defaultConfig()
	opts := env.Options{Prefix: prefix}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	var secrets envSecrets
	if err := env.ParseWithOptions(&secrets, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	if secrets.Peppers != "" {
		peppers, err := parseVersionedKeys(secrets.Peppers)
		if err != nil {
			return Config{}, fmt.Errorf("config: %sPASSWORD_PEPPERS: %w", prefix, err)
		}
		cfg.Password.Peppers = peppers
	}
	if secrets.SessionKeys != "" {
		keys, err := parseVersionedKeys(secrets.SessionKeys)
		if err != nil {
			return Config{}, fmt.Errorf("config: %sSESSION_KEYS: %w", prefix, err)
		}
		cfg.Session.SigningKeys = orderedKeys(keys)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func parseVersionedKeys(raw string) (map[uint32][]byte, error) {
	out := make(map[uint32][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ver, enc, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, errors.New("entry must be version:base64")
		}
		v, err := strconv.ParseUint(ver, 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("invalid key version %q", ver)
		}
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", v, err)
		}
		if _, dup := out[uint32(v)]; dup {
			return nil, fmt.Errorf("duplicate key version %d", v)
		}
		out[uint32(v)] = key
	}
	return out, nil
}

func orderedKeys(keys map[uint32][]byte) [][]byte {
	versions := make([]uint32, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	out := make([][]byte, 0, len(versions))
	for _, v := range versions {
		out = append(out, keys[v])
	}
	return out
}
