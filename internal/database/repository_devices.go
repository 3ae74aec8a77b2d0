package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetDevice retrieves the device record for a (license, machine) pair.
// Returns (nil, nil) when the machine has never checked in under the license.
func (r *Repository) GetDevice(ctx context.Context, licenseID, machineID string) (*Device, error) {
	query := `
	SELECT id, license_id, machine_id, first_seen, last_seen
	FROM license_devices
	WHERE license_id = $1 AND machine_id = $2
	`

	var device Device

	err := r.db.Pool.QueryRow(ctx, query, licenseID, machineID).Scan(
		&device.ID,
		&device.LicenseID,
		&device.MachineID,
		&device.FirstSeen,
		&device.LastSeen,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &device, nil
}

// TouchDevice updates last_seen on an existing device record
func (r *Repository) TouchDevice(ctx context.Context, id string, seen time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE license_devices SET last_seen = $2 WHERE id = $1`, id, seen,
	)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// CountDevices returns the number of devices bound to a license
func (r *Repository) CountDevices(ctx context.Context, licenseID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM license_devices WHERE license_id = $1`, licenseID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return count, nil
}

// RegisterDeviceIfUnderQuota binds a new machine to a license unless the
// device quota is already used up. The license row is locked for the
// duration of the transaction so two machines cannot race for the last slot.
func (r *Repository) RegisterDeviceIfUnderQuota(ctx context.Context, licenseID, machineID string, quota int, seen time.Time) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin device registration: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM licenses WHERE id = $1 FOR UPDATE`, licenseID,
	).Scan(&lockedID)
	if err != nil {
		return false, fmt.Errorf("failed to lock license row: %w", err)
	}

	var count int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM license_devices WHERE license_id = $1`, licenseID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count devices: %w", err)
	}

	if count >= quota {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
	INSERT INTO license_devices (id, license_id, machine_id, first_seen, last_seen)
	VALUES ($1, $2, $3, $4, $4)
	`, uuid.New().String(), licenseID, machineID, seen)
	if err != nil {
		return false, fmt.Errorf("failed to register device: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit device registration: %w", err)
	}

	return true, nil
}

// DeleteDevicesForLicense removes every device bound to a license and
// returns how many were removed.
func (r *Repository) DeleteDevicesForLicense(ctx context.Context, licenseID string) (int, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM license_devices WHERE license_id = $1`, licenseID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete devices: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListDevices returns the devices bound to a license
func (r *Repository) ListDevices(ctx context.Context, licenseID string) ([]Device, error) {
	query := `
	SELECT id, license_id, machine_id, first_seen, last_seen
	FROM license_devices
	WHERE license_id = $1
	ORDER BY first_seen
	`

	rows, err := r.db.Pool.Query(ctx, query, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var device Device
		err := rows.Scan(
			&device.ID,
			&device.LicenseID,
			&device.MachineID,
			&device.FirstSeen,
			&device.LastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}
