package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"maya-licensing/config"
	"maya-licensing/internal/database"
)

// fakeStore is an in-memory Store for engine tests
type fakeStore struct {
	licenses map[string]*database.License           // keyed by code
	devices  map[string]map[string]*database.Device // licenseID -> machineID -> device

	lookupErr   error
	deviceErr   error
	registerErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		licenses: make(map[string]*database.License),
		devices:  make(map[string]map[string]*database.Device),
	}
}

func (f *fakeStore) addLicense(lic *database.License) {
	f.licenses[lic.Code] = lic
}

func (f *fakeStore) GetLicenseByCode(ctx context.Context, code string) (*database.License, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	lic, ok := f.licenses[code]
	if !ok {
		return nil, nil
	}
	copied := *lic
	return &copied, nil
}

func (f *fakeStore) CodeExists(ctx context.Context, code string) (bool, error) {
	_, ok := f.licenses[code]
	return ok, nil
}

func (f *fakeStore) CreateLicense(ctx context.Context, lic *database.License) error {
	if lic.ID == "" {
		lic.ID = "lic-" + lic.Code
	}
	f.licenses[lic.Code] = lic
	return nil
}

func (f *fakeStore) DeactivateLicense(ctx context.Context, id string) error {
	for _, lic := range f.licenses {
		if lic.ID == id {
			lic.Active = false
		}
	}
	return nil
}

func (f *fakeStore) RenewLicense(ctx context.Context, id string, newExpiry time.Time) (int, error) {
	removed := 0
	for _, lic := range f.licenses {
		if lic.ID == id {
			lic.ExpiresAt = newExpiry
			lic.Active = true
			removed = len(f.devices[id])
			delete(f.devices, id)
		}
	}
	return removed, nil
}

func (f *fakeStore) GetDevice(ctx context.Context, licenseID, machineID string) (*database.Device, error) {
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	dev, ok := f.devices[licenseID][machineID]
	if !ok {
		return nil, nil
	}
	copied := *dev
	return &copied, nil
}

func (f *fakeStore) TouchDevice(ctx context.Context, id string, seen time.Time) error {
	for _, byMachine := range f.devices {
		for _, dev := range byMachine {
			if dev.ID == id {
				dev.LastSeen = seen
			}
		}
	}
	return nil
}

func (f *fakeStore) RegisterDeviceIfUnderQuota(ctx context.Context, licenseID, machineID string, quota int, seen time.Time) (bool, error) {
	if f.registerErr != nil {
		return false, f.registerErr
	}
	if len(f.devices[licenseID]) >= quota {
		return false, nil
	}
	if f.devices[licenseID] == nil {
		f.devices[licenseID] = make(map[string]*database.Device)
	}
	f.devices[licenseID][machineID] = &database.Device{
		ID:        "dev-" + machineID,
		LicenseID: licenseID,
		MachineID: machineID,
		FirstSeen: seen,
		LastSeen:  seen,
	}
	return true, nil
}

func (f *fakeStore) DeleteDevicesForLicense(ctx context.Context, licenseID string) (int, error) {
	removed := len(f.devices[licenseID])
	delete(f.devices, licenseID)
	return removed, nil
}

func testPolicy(overrides func(*config.LicenseConfig)) Policy {
	cfg := config.LicenseConfig{
		DeviceQuota:  2,
		ValidityDays: 365,
	}
	if overrides != nil {
		overrides(&cfg)
	}
	return NewPolicy(cfg, 7)
}

func newTestEngine(store Store, policy Policy) *Engine {
	return NewEngine(store, policy, zerolog.Nop())
}

func TestCheckPolicyOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.addLicense(&database.License{
		ID:        "lic-1",
		Code:      "AAAA-BBBB-CCCC",
		Email:     "owner@example.com",
		CreatedAt: now.AddDate(0, -1, 0),
		ExpiresAt: now.AddDate(0, 0, 100),
		Active:    true,
	})

	tests := []struct {
		name       string
		policy     Policy
		req        CheckRequest
		wantAllow  bool
		wantReason string
		wantTTL    int
	}{
		{
			name:       "kill switch denies everything",
			policy:     testPolicy(func(c *config.LicenseConfig) { c.KillSwitch = true; c.AllowedTokens = []string{"tok"} }),
			req:        CheckRequest{Token: "tok", MachineID: "m1"},
			wantAllow:  false,
			wantReason: ReasonKillSwitch,
			wantTTL:    TTLKillSwitch,
		},
		{
			name:       "blocked machine denied even with workshop token",
			policy:     testPolicy(func(c *config.LicenseConfig) { c.BlockedMachines = []string{"bad"}; c.AllowedTokens = []string{"tok"} }),
			req:        CheckRequest{Token: "tok", MachineID: "bad"},
			wantAllow:  false,
			wantReason: ReasonBlockedMachine,
			wantTTL:    TTLLong,
		},
		{
			name:       "version mismatch denied",
			policy:     testPolicy(func(c *config.LicenseConfig) { c.RequiredVersion = "2.0.0" }),
			req:        CheckRequest{Token: "AAAA-BBBB-CCCC", MachineID: "m1", Version: "1.0.0"},
			wantAllow:  false,
			wantReason: ReasonUpdateRequired,
			wantTTL:    TTLLong,
		},
		{
			name:       "workshop token allowed without machine id",
			policy:     testPolicy(func(c *config.LicenseConfig) { c.AllowedTokens = []string{"workshop-1"} }),
			req:        CheckRequest{Token: "workshop-1"},
			wantAllow:  true,
			wantReason: ReasonOK,
			wantTTL:    TTLShort,
		},
		{
			name:       "empty token denied",
			policy:     testPolicy(nil),
			req:        CheckRequest{Token: "   ", MachineID: "m1"},
			wantAllow:  false,
			wantReason: ReasonMissingToken,
			wantTTL:    TTLShort,
		},
		{
			name:       "unknown code denied",
			policy:     testPolicy(nil),
			req:        CheckRequest{Token: "ZZZZ-ZZZZ-ZZZZ", MachineID: "m1"},
			wantAllow:  false,
			wantReason: ReasonInvalidToken,
			wantTTL:    TTLLong,
		},
		{
			name:       "license without machine id denied",
			policy:     testPolicy(nil),
			req:        CheckRequest{Token: "AAAA-BBBB-CCCC"},
			wantAllow:  false,
			wantReason: ReasonMissingMachine,
			wantTTL:    TTLShort,
		},
		{
			name:       "valid license with fresh machine allowed",
			policy:     testPolicy(nil),
			req:        CheckRequest{Token: "AAAA-BBBB-CCCC", MachineID: "m1"},
			wantAllow:  true,
			wantReason: ReasonOK,
			wantTTL:    TTLShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(store, tt.policy)
			verdict := engine.Check(context.Background(), tt.req, now)
			if verdict.Allow != tt.wantAllow {
				t.Errorf("Allow = %v, want %v", verdict.Allow, tt.wantAllow)
			}
			if verdict.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", verdict.Reason, tt.wantReason)
			}
			if verdict.TTLSeconds != tt.wantTTL {
				t.Errorf("TTLSeconds = %d, want %d", verdict.TTLSeconds, tt.wantTTL)
			}
		})
	}
}

func TestCheckExpiredLicenseDeactivated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.addLicense(&database.License{
		ID:        "lic-exp",
		Code:      "EXPD-EXPD-EXPD",
		ExpiresAt: now.Add(-time.Hour),
		Active:    true,
	})

	engine := newTestEngine(store, testPolicy(nil))
	verdict := engine.Check(context.Background(), CheckRequest{Token: "EXPD-EXPD-EXPD", MachineID: "m1"}, now)

	if verdict.Allow {
		t.Fatal("expected deny for expired license")
	}
	if verdict.Reason != ReasonExpired {
		t.Errorf("Reason = %q, want %q", verdict.Reason, ReasonExpired)
	}
	if store.licenses["EXPD-EXPD-EXPD"].Active {
		t.Error("expired license should be deactivated on check")
	}
}

func TestCheckExpiryBoundaryIsDeny(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.addLicense(&database.License{
		ID:        "lic-edge",
		Code:      "EDGE-EDGE-EDGE",
		ExpiresAt: now, // expires exactly now
		Active:    true,
	})

	engine := newTestEngine(store, testPolicy(nil))
	verdict := engine.Check(context.Background(), CheckRequest{Token: "EDGE-EDGE-EDGE", MachineID: "m1"}, now)

	if verdict.Allow {
		t.Error("a license expiring exactly now must be denied")
	}
	if verdict.Reason != ReasonExpired {
		t.Errorf("Reason = %q, want %q", verdict.Reason, ReasonExpired)
	}
}

func TestCheckDeviceQuota(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.addLicense(&database.License{
		ID:        "lic-q",
		Code:      "QUOT-QUOT-QUOT",
		ExpiresAt: now.AddDate(0, 0, 100),
		Active:    true,
	})

	engine := newTestEngine(store, testPolicy(nil))
	ctx := context.Background()

	// Fill both slots.
	for _, machine := range []string{"m1", "m2"} {
		verdict := engine.Check(ctx, CheckRequest{Token: "QUOT-QUOT-QUOT", MachineID: machine}, now)
		if !verdict.Allow {
			t.Fatalf("machine %s should have been allowed: %s", machine, verdict.Reason)
		}
	}

	// Third machine hits the quota.
	verdict := engine.Check(ctx, CheckRequest{Token: "QUOT-QUOT-QUOT", MachineID: "m3"}, now)
	if verdict.Allow {
		t.Fatal("third machine should be denied")
	}
	if verdict.Reason != ReasonQuotaExceeded {
		t.Errorf("Reason = %q, want %q", verdict.Reason, ReasonQuotaExceeded)
	}
	if verdict.TTLSeconds != TTLLong {
		t.Errorf("TTLSeconds = %d, want %d", verdict.TTLSeconds, TTLLong)
	}

	// Known machines stay allowed and get their last-seen bumped.
	later := now.Add(time.Hour)
	verdict = engine.Check(ctx, CheckRequest{Token: "QUOT-QUOT-QUOT", MachineID: "m1"}, later)
	if !verdict.Allow {
		t.Fatalf("known machine should stay allowed: %s", verdict.Reason)
	}
	if !store.devices["lic-q"]["m1"].LastSeen.Equal(later) {
		t.Error("repeat check-in should update last seen")
	}
}

func TestCheckExpiresSoonWarning(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		expiresAt  time.Time
		wantReason string
	}{
		{"inside the window", now.AddDate(0, 0, 3), ReasonExpiresSoon},
		{"exactly seven days out", now.AddDate(0, 0, 7), ReasonExpiresSoon},
		{"just outside the window", now.AddDate(0, 0, 7).Add(time.Second), ReasonOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.addLicense(&database.License{
				ID:        "lic-w",
				Code:      "WARN-WARN-WARN",
				ExpiresAt: tt.expiresAt,
				Active:    true,
			})

			engine := newTestEngine(store, testPolicy(nil))
			verdict := engine.Check(context.Background(), CheckRequest{Token: "WARN-WARN-WARN", MachineID: "m1"}, now)

			if !verdict.Allow {
				t.Fatalf("expected allow: %s", verdict.Reason)
			}
			if verdict.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", verdict.Reason, tt.wantReason)
			}
		})
	}
}

func TestCheckStoreFailureIsStructuredDeny(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.lookupErr = errors.New("connection refused")

	engine := newTestEngine(store, testPolicy(nil))
	verdict := engine.Check(context.Background(), CheckRequest{Token: "AAAA-BBBB-CCCC", MachineID: "m1"}, now)

	if verdict.Allow {
		t.Fatal("store failure must deny")
	}
	if verdict.TTLSeconds != TTLError {
		t.Errorf("TTLSeconds = %d, want %d", verdict.TTLSeconds, TTLError)
	}
}

func TestCheckTrimsTokenAndMachine(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.addLicense(&database.License{
		ID:        "lic-t",
		Code:      "TRIM-TRIM-TRIM",
		ExpiresAt: now.AddDate(0, 0, 100),
		Active:    true,
	})

	engine := newTestEngine(store, testPolicy(nil))
	verdict := engine.Check(context.Background(), CheckRequest{Token: "  TRIM-TRIM-TRIM  ", MachineID: " m1 "}, now)

	if !verdict.Allow {
		t.Fatalf("expected allow after trimming: %s", verdict.Reason)
	}
	if _, ok := store.devices["lic-t"]["m1"]; !ok {
		t.Error("device should be registered under the trimmed machine id")
	}
}
