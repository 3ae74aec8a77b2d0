package database

import (
	"time"
)

// License represents a purchased access grant with an expiry date and a
// unique human-typed code (XXXX-XXXX-XXXX).
type License struct {
	ID        string    `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Active    bool      `json:"active" db:"active"`
}

// Device is a machine bound to a license via a stable hashed identifier.
// A (license_id, machine_id) pair is unique.
type Device struct {
	ID        string    `json:"id" db:"id"`
	LicenseID string    `json:"license_id" db:"license_id"`
	MachineID string    `json:"machine_id" db:"machine_id"`
	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
}

// LicenseStats aggregates simple counts for the admin surface.
type LicenseStats struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Expired      int `json:"expired"`
	TotalDevices int `json:"total_devices"`
}
