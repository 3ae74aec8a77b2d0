package license

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"maya-licensing/internal/database"
)

// Lifecycle events emitted by the expiry scanner.
const (
	EventExpiresSoon = "expires_soon"
	EventExpired     = "expired"
)

// ScanStore is the persistence surface the scanner needs.
type ScanStore interface {
	ListExpiringWithin(ctx context.Context, cutoff time.Time) ([]database.License, error)
	DeactivateLicenses(ctx context.Context, ids []string) error
}

// Notifier delivers lifecycle notifications. Delivery is best-effort: the
// scanner logs failures and never lets them block a pass.
type Notifier interface {
	NotifyLicenseEvent(ctx context.Context, event string, lic database.License) error
}

// ScanResult summarizes one scanner pass
type ScanResult struct {
	ExpiresSoon int `json:"expires_soon"`
	Expired     int `json:"expired"`
}

// Scanner periodically sweeps active licenses, deactivating expired ones and
// warning owners whose expiry lands exactly at the edge of the warn window.
// Scan is not safe for concurrent use; Run drives it from one goroutine.
type Scanner struct {
	store    ScanStore
	notifier Notifier
	warnDays int
	logger   zerolog.Logger

	// warned tracks which expiry each license has already been warned
	// about, so multiple passes on the warn day send one notice.
	warned map[string]time.Time
}

// NewScanner creates an expiry scanner
func NewScanner(store ScanStore, notifier Notifier, warnDays int, logger zerolog.Logger) *Scanner {
	if warnDays <= 0 {
		warnDays = 7
	}
	return &Scanner{
		store:    store,
		notifier: notifier,
		warnDays: warnDays,
		logger:   logger,
		warned:   make(map[string]time.Time),
	}
}

// Scan performs one pass over active licenses expiring within the warn
// window, including ones already past expiry. Expired licenses are
// deactivated in a single batch at the end; the expires-soon notice fires
// once, on the one day the expiry date equals today plus the warn window.
// The listing cutoff is the end of that day, so an expiry late in the day
// is still picked up by scans that run earlier in it.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (ScanResult, error) {
	var result ScanResult

	warnDate := dateOnly(now.AddDate(0, 0, s.warnDays))
	licenses, err := s.store.ListExpiringWithin(ctx, warnDate.AddDate(0, 0, 1))
	if err != nil {
		return result, err
	}

	for id, expiry := range s.warned {
		if !expiry.After(now) {
			delete(s.warned, id)
		}
	}

	var expiredIDs []string

	for _, lic := range licenses {
		switch {
		case !lic.ExpiresAt.After(now):
			expiredIDs = append(expiredIDs, lic.ID)
			result.Expired++
			s.notify(ctx, EventExpired, lic)
		case dateOnly(lic.ExpiresAt).Equal(warnDate) && !s.warned[lic.ID].Equal(lic.ExpiresAt):
			s.warned[lic.ID] = lic.ExpiresAt
			result.ExpiresSoon++
			s.notify(ctx, EventExpiresSoon, lic)
		}
	}

	if len(expiredIDs) > 0 {
		if err := s.store.DeactivateLicenses(ctx, expiredIDs); err != nil {
			return result, err
		}
	}

	s.logger.Info().
		Int("expires_soon", result.ExpiresSoon).
		Int("expired", result.Expired).
		Int("scanned", len(licenses)).
		Msg("expiry scan completed")

	return result, nil
}

// Run loops Scan on the given interval until the context is cancelled.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := s.Scan(ctx, time.Now().UTC()); err != nil {
		s.logger.Error().Err(err).Msg("expiry scan failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx, time.Now().UTC()); err != nil {
				s.logger.Error().Err(err).Msg("expiry scan failed")
			}
		}
	}
}

func (s *Scanner) notify(ctx context.Context, event string, lic database.License) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyLicenseEvent(ctx, event, lic); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("code", lic.Code).Msg("notification delivery failed")
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
