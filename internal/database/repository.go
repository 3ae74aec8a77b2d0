package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// LICENSES
// ============================================================================

// CreateLicense inserts a new license
func (r *Repository) CreateLicense(ctx context.Context, license *License) error {
	if license.ID == "" {
		license.ID = uuid.New().String()
	}

	query := `
	INSERT INTO licenses (id, code, email, created_at, expires_at, active)
	VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		license.ID,
		license.Code,
		license.Email,
		license.CreatedAt,
		license.ExpiresAt,
		license.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}

	return nil
}

// GetLicenseByCode retrieves a license by its code. Returns (nil, nil) when
// no license matches.
func (r *Repository) GetLicenseByCode(ctx context.Context, code string) (*License, error) {
	query := `
	SELECT id, code, email, created_at, expires_at, active
	FROM licenses
	WHERE code = $1
	`

	var license License

	err := r.db.Pool.QueryRow(ctx, query, code).Scan(
		&license.ID,
		&license.Code,
		&license.Email,
		&license.CreatedAt,
		&license.ExpiresAt,
		&license.Active,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license by code: %w", err)
	}

	return &license, nil
}

// CodeExists reports whether a license code is already taken.
func (r *Repository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM licenses WHERE code = $1)`, code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check license code: %w", err)
	}
	return exists, nil
}

// DeactivateLicense marks a license inactive
func (r *Repository) DeactivateLicense(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE licenses SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate license: %w", err)
	}
	return nil
}

// RenewLicense extends a license and removes all its devices in a single
// transaction. The new expiry is applied as given; device removal and the
// expiry update commit or roll back together.
func (r *Repository) RenewLicense(ctx context.Context, id string, newExpiry time.Time) (int, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin renewal: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE licenses SET expires_at = $2, active = true WHERE id = $1`,
		id, newExpiry,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update license expiry: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM license_devices WHERE license_id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to remove devices: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit renewal: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// ListExpiringWithin returns active licenses whose expiry falls at or before
// the cutoff, including licenses that are already past their expiry.
func (r *Repository) ListExpiringWithin(ctx context.Context, cutoff time.Time) ([]License, error) {
	query := `
	SELECT id, code, email, created_at, expires_at, active
	FROM licenses
	WHERE active = true AND expires_at <= $1
	ORDER BY expires_at
	`

	rows, err := r.db.Pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring licenses: %w", err)
	}
	defer rows.Close()

	var licenses []License
	for rows.Next() {
		var license License
		err := rows.Scan(
			&license.ID,
			&license.Code,
			&license.Email,
			&license.CreatedAt,
			&license.ExpiresAt,
			&license.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}

	return licenses, rows.Err()
}

// DeactivateLicenses marks a batch of licenses inactive in one statement.
func (r *Repository) DeactivateLicenses(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE licenses SET active = false WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate licenses: %w", err)
	}
	return nil
}

// ListLicenses retrieves licenses with optional active filter
func (r *Repository) ListLicenses(ctx context.Context, activeOnly bool, limit, offset int) ([]License, int, error) {
	whereClause := ""
	if activeOnly {
		whereClause = "WHERE active = true"
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM licenses %s", whereClause)
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count licenses: %w", err)
	}

	query := fmt.Sprintf(`
	SELECT id, code, email, created_at, expires_at, active
	FROM licenses
	%s
	ORDER BY created_at DESC
	LIMIT $1 OFFSET $2
	`, whereClause)

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []License
	for rows.Next() {
		var license License
		err := rows.Scan(
			&license.ID,
			&license.Code,
			&license.Email,
			&license.CreatedAt,
			&license.ExpiresAt,
			&license.Active,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}

	return licenses, total, rows.Err()
}

// GetLicenseStats returns aggregate license counts
func (r *Repository) GetLicenseStats(ctx context.Context) (*LicenseStats, error) {
	stats := &LicenseStats{}

	err := r.db.Pool.QueryRow(ctx, `
	SELECT COUNT(*),
	       COUNT(*) FILTER (WHERE active),
	       COUNT(*) FILTER (WHERE NOT active)
	FROM licenses
	`).Scan(&stats.Total, &stats.Active, &stats.Expired)
	if err != nil {
		return nil, fmt.Errorf("failed to get license stats: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM license_devices`).Scan(&stats.TotalDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	return stats, nil
}
