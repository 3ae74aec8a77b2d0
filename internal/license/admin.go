package license

import (
	"context"
	"fmt"
	"time"

	"maya-licensing/internal/database"
)

// codeAttempts bounds collision retries during issuance.
const codeAttempts = 10

// IssueResult is the outcome of issuing a new license
type IssueResult struct {
	Code      string    `json:"code"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RenewResult is the outcome of renewing a license
type RenewResult struct {
	Code           string    `json:"code"`
	OldExpiresAt   time.Time `json:"old_expires_at"`
	NewExpiresAt   time.Time `json:"new_expires_at"`
	RemovedDevices int       `json:"removed_devices"`
}

// Issue creates a new license for the given email, valid for the configured
// number of days. Code generation retries on collision a bounded number of
// times and fails hard when exhausted.
func (e *Engine) Issue(ctx context.Context, email string, now time.Time) (*IssueResult, error) {
	var code string
	for i := 0; i < codeAttempts; i++ {
		candidate, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		taken, err := e.store.CodeExists(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		return nil, fmt.Errorf("could not generate a unique license code after %d attempts", codeAttempts)
	}

	lic := &database.License{
		Code:      code,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, e.policy.ValidityDays),
		Active:    true,
	}
	if err := e.store.CreateLicense(ctx, lic); err != nil {
		return nil, err
	}

	e.logger.Info().Str("code", code).Str("email", email).Time("expires_at", lic.ExpiresAt).Msg("license issued")

	return &IssueResult{
		Code:      lic.Code,
		Email:     lic.Email,
		ExpiresAt: lic.ExpiresAt,
	}, nil
}

// Renew extends a license by the configured validity from max(now, old
// expiry) and removes all bound devices so the owner can re-register.
func (e *Engine) Renew(ctx context.Context, code string, now time.Time) (*RenewResult, error) {
	lic, err := e.store.GetLicenseByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNotFound
	}

	base := now
	if lic.ExpiresAt.After(base) {
		base = lic.ExpiresAt
	}
	newExpiry := base.AddDate(0, 0, e.policy.ValidityDays)

	removed, err := e.store.RenewLicense(ctx, lic.ID, newExpiry)
	if err != nil {
		return nil, err
	}

	e.logger.Info().Str("code", code).Time("new_expires_at", newExpiry).Int("removed_devices", removed).Msg("license renewed")

	return &RenewResult{
		Code:           lic.Code,
		OldExpiresAt:   lic.ExpiresAt,
		NewExpiresAt:   newExpiry,
		RemovedDevices: removed,
	}, nil
}

// ResetDevices removes every device bound to a license without touching its
// expiry.
func (e *Engine) ResetDevices(ctx context.Context, code string) (int, error) {
	lic, err := e.store.GetLicenseByCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if lic == nil {
		return 0, ErrNotFound
	}

	removed, err := e.store.DeleteDevicesForLicense(ctx, lic.ID)
	if err != nil {
		return 0, err
	}

	e.logger.Info().Str("code", code).Int("removed_devices", removed).Msg("devices reset")
	return removed, nil
}
