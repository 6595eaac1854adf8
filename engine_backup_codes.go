package rfsauth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rfs-server/rfsauth/otp"
	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
)

const backupInsertAttempts = 3

// GenerateBackupCodes mints a new epoch of backup codes and returns them in display
// form. Only their hashes are stored. count <= 0 uses the configured default. Codes
// of earlier epochs stay valid until InvalidatePriorBackupCodes runs.
func (e *Engine) GenerateBackupCodes(ctx context.Context, identity int64, count int) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = e.config.TOTP.BackupCodeCount
	}
	if count > maxBackupCodeCount {
		return nil, fmt.Errorf("backup codes: count %d: %w", count, ErrInvalidInput)
	}

	var lastErr error
	for attempt := 0; attempt < backupInsertAttempts; attempt++ {
		codes, records, err := e.mintBackupCodes(identity, count)
		if err != nil {
			return nil, err
		}

		err = e.insertBackupCodes(ctx, identity, records)
		if err == nil {
			e.metricInc(MetricBackupCodeRegenerated)
			e.emit(ctx, EventBackupCodesGenerated, identity, zeroToken, nil, func() map[string]string {
				return map[string]string{
					"epoch": records[0].Epoch,
					"count": strconv.Itoa(len(records)),
				}
			})
			return codes, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) mintBackupCodes(identity int64, count int) ([]string, []store.BackupCode, error) {
	epochID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("backup codes: epoch: %w", err)
	}
	epoch := epochID.String()

	codes := make([]string, 0, count)
	records := make([]store.BackupCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := otp.NewBackupCode(e.config.TOTP.BackupCodeLength)
		if err != nil {
			return nil, nil, fmt.Errorf("backup codes: %w", err)
		}
		codes = append(codes, otp.FormatBackupCode(code))
		records = append(records, store.BackupCode{
			IdentityID: identity,
			Epoch:      epoch,
			Key:        otp.BackupCodeKey(epoch, i),
			Hash:       otp.HashBackupCode(identity, code),
		})
	}
	return codes, records, nil
}

func (e *Engine) insertBackupCodes(ctx context.Context, identity int64, records []store.BackupCode) error {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.storeErr(ctx, "insert backup codes", e.store.InsertBackupCodes(ctx, identity, records))
}

// ConsumeBackupCode marks code used if it is a live code of the identity. Malformed,
// unknown and revoked codes are Invalid; a second submission is AlreadyUsed.
func (e *Engine) ConsumeBackupCode(ctx context.Context, identity int64, code string) (ConsumeResult, error) {
	if err := e.ready(); err != nil {
		return Invalid, err
	}
	canonical := otp.CanonicalizeBackupCode(code)
	if canonical == "" {
		e.metricInc(MetricBackupCodeFailed)
		return Invalid, nil
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	status, err := e.store.ConsumeBackupCode(ctx, identity, otp.HashBackupCode(identity, canonical))
	if err != nil {
		return Invalid, e.storeErr(ctx, "consume backup code", err)
	}

	switch status {
	case store.ConsumeAccepted:
		e.metricInc(MetricBackupCodeUsed)
		e.emit(ctx, EventBackupCodeConsumed, identity, zeroToken, nil, nil)
		return Accepted, nil
	case store.ConsumeAlreadyUsed:
		e.metricInc(MetricBackupCodeFailed)
		return AlreadyUsed, nil
	default:
		e.metricInc(MetricBackupCodeFailed)
		return Invalid, nil
	}
}

// InvalidatePriorBackupCodes revokes every code outside the newest epoch and returns
// how many codes changed.
func (e *Engine) InvalidatePriorBackupCodes(ctx context.Context, identity int64) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	n, err := e.store.RevokeStaleBackupCodes(ctx, identity)
	if err != nil {
		return 0, e.storeErr(ctx, "invalidate backup codes", err)
	}
	if n > 0 {
		e.metrics.Add(MetricBackupCodeInvalidated, uint64(n))
		e.emit(ctx, EventBackupCodesInvalidated, identity, zeroToken, nil, func() map[string]string {
			return map[string]string{"count": strconv.Itoa(n)}
		})
	}
	return n, nil
}

// BackupCodeStatus counts live, used and revoked codes per epoch.
func (e *Engine) BackupCodeStatus(ctx context.Context, identity int64) (BackupCodeSummary, error) {
	if err := e.ready(); err != nil {
		return BackupCodeSummary{}, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	codes, err := e.store.ListBackupCodes(ctx, identity)
	if err != nil {
		return BackupCodeSummary{}, e.storeErr(ctx, "backup code status", err)
	}

	byEpoch := make(map[string]*BackupCodeEpoch)
	for _, c := range codes {
		ep, ok := byEpoch[c.Epoch]
		if !ok {
			ep = &BackupCodeEpoch{Epoch: c.Epoch, GeneratedAt: epochTime(c.Epoch)}
			byEpoch[c.Epoch] = ep
		}
		ep.Total++
		switch {
		case c.Revoked:
			ep.Revoked++
		case !c.Used:
			ep.Remaining++
		}
	}

	var summary BackupCodeSummary
	for _, ep := range byEpoch {
		summary.Total += ep.Total
		summary.Remaining += ep.Remaining
		summary.Epochs = append(summary.Epochs, *ep)
	}
	// UUIDv7 strings sort in generation order.
	sort.Slice(summary.Epochs, func(i, j int) bool {
		return summary.Epochs[i].Epoch < summary.Epochs[j].Epoch
	})
	return summary, nil
}

func epochTime(epoch string) time.Time {
	id, err := uuid.Parse(epoch)
	if err != nil || id.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}

// VerifySessionBackupCode clears the second factor of an authenticated session by
// consuming a backup code.
func (e *Engine) VerifySessionBackupCode(ctx context.Context, tok session.Token, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	sess, err := e.liveSession(ctx, tok)
	if err != nil {
		return err
	}

	result, err := e.ConsumeBackupCode(ctx, sess.IdentityID, code)
	if err != nil {
		return err
	}
	switch result {
	case Accepted:
		return e.AdvanceVerification(ctx, tok, session.VerifyBackupCode)
	case AlreadyUsed:
		return fmt.Errorf("backup code: %w", ErrAlreadyUsed)
	default:
		return ErrAuthenticationFailed
	}
}
