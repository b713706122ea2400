// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrDeviceMismatch  = errors.New("license is bound to another device")
	ErrLicenseRevoked  = errors.New("license is revoked")
)

// License is the server-authoritative record binding a subscription or
// trial to at most one device. DeviceID nil means unbound: the next
// successful activation claims it.
type License struct {
	ID            int        `json:"id"`
	UserID        int        `json:"userId"`
	DeviceID      *string    `json:"deviceId,omitempty"`
	IsTrial       bool       `json:"isTrial"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	IsRevoked     bool       `json:"isRevoked"`
	LastValidated *time.Time `json:"lastValidated,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	// Email is populated by list queries that join users
	Email string `json:"email,omitempty"`
}

// IsExpired reports whether the record's validity window has passed
func (l *License) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// RemainingDays returns ceil(expiresAt - now) in whole days, never
// below 1 for an unexpired record.
func (l *License) RemainingDays(now time.Time) int {
	remaining := l.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int((remaining + 24*time.Hour - 1) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

const licenseColumns = `id, user_id, device_id, is_trial, expires_at, is_revoked, last_validated, created_at, updated_at`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	license := &License{}
	err := row.Scan(
		&license.ID,
		&license.UserID,
		&license.DeviceID,
		&license.IsTrial,
		&license.ExpiresAt,
		&license.IsRevoked,
		&license.LastValidated,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return license, nil
}

// Create provisions a new license. The partial unique index on
// licenses(user_id) rejects a second non-revoked record per user.
func (s *LicenseStore) Create(ctx context.Context, userID int, isTrial bool, expiresAt time.Time) (*License, error) {
	query := `
		INSERT INTO licenses (user_id, is_trial, expires_at)
		VALUES (?, ?, ?)
		RETURNING ` + licenseColumns

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, userID, isTrial, expiresAt.UTC()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create license")
	}

	return license, nil
}

// GetActiveByUserID returns the user's single non-revoked record
func (s *LicenseStore) GetActiveByUserID(ctx context.Context, userID int) (*License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses
		WHERE user_id = ? AND is_revoked = 0
	`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	return license, nil
}

// BindDevice claims an unbound license for the given device. Binding is
// first-writer-wins: the WHERE clause only matches an unbound record, so
// two concurrent activations cannot both succeed.
func (s *LicenseStore) BindDevice(ctx context.Context, licenseID int, deviceID string) error {
	query := `
		UPDATE licenses
		SET device_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND device_id IS NULL AND is_revoked = 0
	`

	result, err := s.db.ExecContext(ctx, query, deviceID, licenseID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		// Distinguish "already bound to this device" (idempotent success)
		// from a genuine conflict
		current, err := s.getByID(ctx, licenseID)
		if err != nil {
			return err
		}
		if current.IsRevoked {
			return ErrLicenseRevoked
		}
		if current.DeviceID != nil && *current.DeviceID == deviceID {
			return nil
		}
		return ErrDeviceMismatch
	}

	return nil
}

// ClearDevice unbinds the caller's own non-revoked record. The scoping
// by user_id and is_revoked is the security boundary of the reset flow;
// clearing an already-null device_id is a no-op success.
func (s *LicenseStore) ClearDevice(ctx context.Context, userID int) error {
	query := `
		UPDATE licenses
		SET device_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND is_revoked = 0
	`

	_, err := s.db.ExecContext(ctx, query, userID)
	return err
}

// GetLatestByUserID returns the user's most recent record regardless
// of revocation, so the validator can distinguish "revoked" from
// "never licensed".
func (s *LicenseStore) GetLatestByUserID(ctx context.Context, userID int) (*License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	return license, nil
}

// TouchValidated records a successful validation
func (s *LicenseStore) TouchValidated(ctx context.Context, licenseID int) error {
	query := `
		UPDATE licenses
		SET last_validated = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	_, err := s.db.ExecContext(ctx, query, licenseID)
	return err
}

// Revoke terminally invalidates a license
func (s *LicenseStore) Revoke(ctx context.Context, licenseID int) error {
	query := `
		UPDATE licenses
		SET is_revoked = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, licenseID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLicenseNotFound
	}

	return nil
}

// Renew extends a non-revoked license and clears its trial flag
func (s *LicenseStore) Renew(ctx context.Context, licenseID int, expiresAt time.Time) error {
	query := `
		UPDATE licenses
		SET expires_at = ?, is_trial = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_revoked = 0
	`

	result, err := s.db.ExecContext(ctx, query, expiresAt.UTC(), licenseID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLicenseNotFound
	}

	return nil
}

// List returns all licenses joined with their account email, newest first
func (s *LicenseStore) List(ctx context.Context) ([]*License, error) {
	query := `
		SELECT l.id, l.user_id, l.device_id, l.is_trial, l.expires_at, l.is_revoked,
		       l.last_validated, l.created_at, l.updated_at, u.email
		FROM licenses l
		JOIN users u ON u.id = l.user_id
		ORDER BY l.created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var licenses []*License
	for rows.Next() {
		license := &License{}
		err := rows.Scan(
			&license.ID,
			&license.UserID,
			&license.DeviceID,
			&license.IsTrial,
			&license.ExpiresAt,
			&license.IsRevoked,
			&license.LastValidated,
			&license.CreatedAt,
			&license.UpdatedAt,
			&license.Email,
		)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}

	return licenses, rows.Err()
}

// Counts returns active and trial license counts for metrics
func (s *LicenseStore) Counts(ctx context.Context) (active int, trial int, err error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_trial = 1 THEN 1 ELSE 0 END), 0)
		FROM licenses
		WHERE is_revoked = 0 AND expires_at > datetime('now')
	`

	err = s.db.QueryRowContext(ctx, query).Scan(&active, &trial)
	return active, trial, err
}

func (s *LicenseStore) getByID(ctx context.Context, licenseID int) (*License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses
		WHERE id = ?
	`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, licenseID))
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	return license, nil
}
