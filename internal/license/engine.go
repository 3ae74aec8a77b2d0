// Package license implements the license validation engine: the decision
// policy behind /check, license issuance and renewal, and the expiry scanner.
package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"maya-licensing/config"
	"maya-licensing/internal/database"
)

// Verdict reasons. LICENSE_EXPIRES_SOON is an allow with a warning tag the
// client surfaces to the user; everything else reads as shown.
const (
	ReasonOK             = "OK"
	ReasonExpiresSoon    = "LICENSE_EXPIRES_SOON"
	ReasonKillSwitch     = "Disabled by admin"
	ReasonBlockedMachine = "Machine blocked"
	ReasonUpdateRequired = "Update required"
	ReasonMissingToken   = "Missing token"
	ReasonInvalidToken   = "Invalid token"
	ReasonExpired        = "License expired"
	ReasonMissingMachine = "Missing machine_id"
	ReasonQuotaExceeded  = "Device limit reached. Contact support to reset your devices."
)

// Advisory cache TTLs in seconds. Stable denials get the long TTL; states
// that may flip soon (kill switch, expiry warnings) get short ones.
const (
	TTLShort      = 60
	TTLKillSwitch = 30
	TTLLong       = 3600
	TTLError      = 5
)

// ErrNotFound is returned by admin operations for an unknown license code.
var ErrNotFound = errors.New("license not found")

// CheckRequest is the client check-in payload
type CheckRequest struct {
	Token     string `json:"token"`
	MachineID string `json:"machine_id"`
	Version   string `json:"version,omitempty"`
}

// Verdict is the outcome of a check. TTLSeconds is advisory: the number of
// seconds the caller may treat the decision as still valid without
// re-querying.
type Verdict struct {
	Allow      bool   `json:"allow"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Store is the persistence surface the engine needs. *database.Repository
// satisfies it.
type Store interface {
	GetLicenseByCode(ctx context.Context, code string) (*database.License, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	CreateLicense(ctx context.Context, license *database.License) error
	DeactivateLicense(ctx context.Context, id string) error
	RenewLicense(ctx context.Context, id string, newExpiry time.Time) (int, error)
	GetDevice(ctx context.Context, licenseID, machineID string) (*database.Device, error)
	TouchDevice(ctx context.Context, id string, seen time.Time) error
	RegisterDeviceIfUnderQuota(ctx context.Context, licenseID, machineID string, quota int, seen time.Time) (bool, error)
	DeleteDevicesForLicense(ctx context.Context, licenseID string) (int, error)
}

// Policy is the validation policy, built once at startup from configuration.
type Policy struct {
	AllowedTokens   map[string]struct{}
	BlockedMachines map[string]struct{}
	RequiredVersion string
	KillSwitch      bool
	DeviceQuota     int
	ValidityDays    int
	WarnWindow      time.Duration
}

// NewPolicy builds a Policy from the loaded configuration.
func NewPolicy(cfg config.LicenseConfig, warnDays int) Policy {
	allowed := make(map[string]struct{}, len(cfg.AllowedTokens))
	for _, t := range cfg.AllowedTokens {
		allowed[t] = struct{}{}
	}
	blocked := make(map[string]struct{}, len(cfg.BlockedMachines))
	for _, m := range cfg.BlockedMachines {
		blocked[m] = struct{}{}
	}
	if warnDays <= 0 {
		warnDays = 7
	}
	return Policy{
		AllowedTokens:   allowed,
		BlockedMachines: blocked,
		RequiredVersion: cfg.RequiredVersion,
		KillSwitch:      cfg.KillSwitch,
		DeviceQuota:     cfg.DeviceQuota,
		ValidityDays:    cfg.ValidityDays,
		WarnWindow:      time.Duration(warnDays) * 24 * time.Hour,
	}
}

// Engine applies the validation policy against the license store.
type Engine struct {
	store  Store
	policy Policy
	logger zerolog.Logger
}

// NewEngine creates a validation engine
func NewEngine(store Store, policy Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		logger: logger,
	}
}

// Check evaluates a check-in against the policy, first matching rule wins.
// Registering or renewing the device record is a documented side effect of
// an allow on the license path. Store failures collapse to a deny so the
// client always receives a structured verdict.
func (e *Engine) Check(ctx context.Context, req CheckRequest, now time.Time) Verdict {
	token := strings.TrimSpace(req.Token)
	machineID := strings.TrimSpace(req.MachineID)

	if e.policy.KillSwitch {
		return Verdict{Allow: false, Reason: ReasonKillSwitch, TTLSeconds: TTLKillSwitch}
	}

	if _, blocked := e.policy.BlockedMachines[machineID]; blocked && machineID != "" {
		return Verdict{Allow: false, Reason: ReasonBlockedMachine, TTLSeconds: TTLLong}
	}

	if e.policy.RequiredVersion != "" && req.Version != e.policy.RequiredVersion {
		return Verdict{Allow: false, Reason: ReasonUpdateRequired, TTLSeconds: TTLLong}
	}

	// Workshop tokens bypass license and device tracking entirely.
	if _, ok := e.policy.AllowedTokens[token]; ok {
		return Verdict{Allow: true, Reason: ReasonOK, TTLSeconds: TTLShort}
	}

	if token == "" {
		return Verdict{Allow: false, Reason: ReasonMissingToken, TTLSeconds: TTLShort}
	}

	lic, err := e.store.GetLicenseByCode(ctx, token)
	if err != nil {
		return e.storeFailure("lookup license", err)
	}
	if lic == nil {
		return Verdict{Allow: false, Reason: ReasonInvalidToken, TTLSeconds: TTLLong}
	}

	if !lic.Active || !now.Before(lic.ExpiresAt) {
		if lic.Active {
			if err := e.store.DeactivateLicense(ctx, lic.ID); err != nil {
				e.logger.Error().Err(err).Str("code", lic.Code).Msg("failed to deactivate expired license")
			} else {
				e.logger.Info().Str("code", lic.Code).Time("expires_at", lic.ExpiresAt).Msg("license expired, deactivated")
			}
		}
		return Verdict{Allow: false, Reason: ReasonExpired, TTLSeconds: TTLLong}
	}

	if machineID == "" {
		return Verdict{Allow: false, Reason: ReasonMissingMachine, TTLSeconds: TTLShort}
	}

	device, err := e.store.GetDevice(ctx, lic.ID, machineID)
	if err != nil {
		return e.storeFailure("lookup device", err)
	}

	if device != nil {
		if err := e.store.TouchDevice(ctx, device.ID, now); err != nil {
			return e.storeFailure("touch device", err)
		}
	} else {
		registered, err := e.store.RegisterDeviceIfUnderQuota(ctx, lic.ID, machineID, e.policy.DeviceQuota, now)
		if err != nil {
			return e.storeFailure("register device", err)
		}
		if !registered {
			return Verdict{Allow: false, Reason: ReasonQuotaExceeded, TTLSeconds: TTLLong}
		}
		e.logger.Info().Str("code", lic.Code).Str("machine_id", machineID).Msg("new device registered")
	}

	if lic.ExpiresAt.Sub(now) <= e.policy.WarnWindow {
		return Verdict{Allow: true, Reason: ReasonExpiresSoon, TTLSeconds: TTLShort}
	}

	return Verdict{Allow: true, Reason: ReasonOK, TTLSeconds: TTLShort}
}

func (e *Engine) storeFailure(op string, err error) Verdict {
	e.logger.Error().Err(err).Str("op", op).Msg("store failure during check")
	return Verdict{
		Allow:      false,
		Reason:     fmt.Sprintf("Server error: %v", err),
		TTLSeconds: TTLError,
	}
}
