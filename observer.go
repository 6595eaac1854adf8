package rfsauth

import (
	"context"
	"io"
	"log/slog"

	"github.com/rfs-server/rfsauth/internal/audit"
	"github.com/rfs-server/rfsauth/session"
)

// Event is one observer notification. Sessions appear only as token fingerprints.
type Event = audit.Event

// Sink receives observer events. Emit is called from a single background goroutine.
type Sink = audit.Sink

// Observer event types.
const (
	EventIdentityCreated        = "identity_created"
	EventIdentityDeleted        = "identity_deleted"
	EventSessionOpened          = "session_opened"
	EventSessionVerified        = "session_verified"
	EventSessionDropped         = "session_dropped"
	EventPasswordSet            = "password_set"
	EventPasswordSchemeMigrated = "password_scheme_migrated"
	EventTOTPEnrolled           = "totp_enrolled"
	EventTOTPDisabled           = "totp_disabled"
	EventBackupCodesGenerated   = "backup_codes_generated"
	EventBackupCodeConsumed     = "backup_code_consumed"
	EventBackupCodesInvalidated = "backup_codes_invalidated"
)

// NewChannelSink returns a sink that forwards events into a buffered channel.
func NewChannelSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink that writes one JSON object per event.
func NewJSONWriterSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewSlogSink returns a sink that logs events as structured records.
func NewSlogSink(logger *slog.Logger) *audit.SlogSink {
	return audit.NewSlogSink(logger)
}

func (e *Engine) emit(ctx context.Context, eventType string, identity int64, tok session.Token, err error, metadata func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}

	ev := Event{
		Timestamp:  e.now(),
		Type:       eventType,
		IdentityID: identity,
		Success:    err == nil,
	}
	if !tok.IsZero() {
		ev.Session = tok.Fingerprint()
	}
	if err != nil {
		ev.Error = KindOf(err).String()
	}
	if metadata != nil {
		ev.Metadata = metadata()
	}

	e.audit.Emit(ctx, ev)
}
