package rfsauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rfs-server/rfsauth/internal/audit"
	"github.com/rfs-server/rfsauth/password"
	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
)

// Engine is the authentication, session and authorization core. It is safe for
// concurrent use; all shared state lives in the backend.
type Engine struct {
	config  Config
	store   store.Backend
	scheme  *password.Scheme
	policy  password.Policy
	keyring *session.Keyring
	audit   *audit.Dispatcher
	metrics *Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// Close flushes pending observer events. The backend client is owned by the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Ping checks backend connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.storeErr(ctx, "ping", e.store.Ping(ctx))
}

// Config returns a copy of the effective configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return cloneConfig(e.config)
}

// AuditDropped reports observer events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the in-process counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.scheme == nil {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// opContext bounds one backend call.
func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.Store.OperationTimeout)
}

// storeErr translates err and records backend outages.
func (e *Engine) storeErr(ctx context.Context, op string, err error) error {
	out := storeErr(op, err)
	if out != nil && errors.Is(out, ErrUnavailable) {
		e.metricInc(MetricBackendUnavailable)
		e.logger.LogAttrs(ctx, slog.LevelWarn, "rfsauth backend unavailable",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
	return out
}

var zeroToken session.Token
