// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/auth"
	"github.com/tillhq/licensed/internal/database"
	"github.com/tillhq/licensed/internal/domain"
	"github.com/tillhq/licensed/internal/models"
)

var ErrNoActivatableLicense = errors.New("no activatable license")

// Recorder receives licensing events for metrics. Implementations must
// be safe for concurrent use; a nil Recorder disables recording.
type Recorder interface {
	RecordValidation(verdict string)
	RecordActivation()
	RecordDeviceReset()
}

// Validation verdicts reported to the Recorder
const (
	VerdictValid          = "valid"
	VerdictExpired        = "expired"
	VerdictRevoked        = "revoked"
	VerdictUnlicensed     = "unlicensed"
	VerdictDeviceMismatch = "device_mismatch"
)

// CheckResult is the validator's verdict returned to clients. A missing
// license is a normal onboarding state, not an error.
type CheckResult struct {
	Valid           bool       `json:"valid"`
	HasLicense      bool       `json:"hasLicense"`
	IsTrial         bool       `json:"isTrial,omitempty"`
	IsExpired       bool       `json:"isExpired,omitempty"`
	IsRevoked       bool       `json:"isRevoked,omitempty"`
	NeedsActivation bool       `json:"needsActivation"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	ExpiredAt       *time.Time `json:"expiredAt,omitempty"`
	RemainingDays   *int       `json:"remainingDays,omitempty"`
}

// LicenseService implements the authoritative license checks and the
// device reset flow
type LicenseService struct {
	licenses *models.LicenseStore
	auth     *auth.Service
	policy   domain.Licensing
	recorder Recorder

	now func() time.Time
}

func NewLicenseService(db *database.DB, authService *auth.Service, policy domain.Licensing) *LicenseService {
	return &LicenseService{
		licenses: models.NewLicenseStore(db.Conn()),
		auth:     authService,
		policy:   policy,
		now:      time.Now,
	}
}

// SetRecorder attaches a metrics recorder
func (s *LicenseService) SetRecorder(r Recorder) {
	s.recorder = r
}

// Store exposes the license store for CLI management commands
func (s *LicenseService) Store() *models.LicenseStore {
	return s.licenses
}

// ProvisionTrial creates the trial license granted at account creation
func (s *LicenseService) ProvisionTrial(ctx context.Context, userID int) (*models.License, error) {
	days := s.policy.TrialDays
	if days <= 0 {
		days = 14
	}

	expiresAt := s.now().Add(time.Duration(days) * 24 * time.Hour)

	license, err := s.licenses.Create(ctx, userID, true, expiresAt)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("userId", userID).
		Time("expiresAt", expiresAt).
		Msg("Trial license provisioned")

	return license, nil
}

// Validate returns the authoritative verdict for the given principal.
// deviceID may be empty (a bare status check); when present it is
// enforced against the record's binding and claims an unbound record
// on a valid verdict.
func (s *LicenseService) Validate(ctx context.Context, userID int, deviceID string) (*CheckResult, error) {
	license, err := s.licenses.GetActiveByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrLicenseNotFound) {
			return nil, err
		}
		return s.resultForMissing(ctx, userID)
	}

	now := s.now()

	if license.IsExpired(now) {
		s.record(VerdictExpired)
		expiredAt := license.ExpiresAt
		return &CheckResult{
			Valid:           false,
			HasLicense:      true,
			IsTrial:         license.IsTrial,
			IsExpired:       true,
			NeedsActivation: true,
			ExpiredAt:       &expiredAt,
		}, nil
	}

	// Binding enforcement: a bound record rejects any other device.
	// This check is the security property the subsystem protects.
	if deviceID != "" && license.DeviceID != nil && *license.DeviceID != deviceID {
		s.record(VerdictDeviceMismatch)
		log.Warn().
			Int("userId", userID).
			Str("presented", maskDeviceID(deviceID)).
			Str("bound", maskDeviceID(*license.DeviceID)).
			Msg("Validation rejected: device mismatch")
		return nil, models.ErrDeviceMismatch
	}

	// First successful validation from an unbound state claims the record
	if deviceID != "" && license.DeviceID == nil {
		if err := s.licenses.BindDevice(ctx, license.ID, deviceID); err != nil {
			if errors.Is(err, models.ErrDeviceMismatch) {
				// Lost the race to a concurrent activation
				s.record(VerdictDeviceMismatch)
				return nil, err
			}
			return nil, err
		}
		log.Info().
			Int("userId", userID).
			Str("deviceId", maskDeviceID(deviceID)).
			Msg("License bound to device on first validation")
	}

	if err := s.licenses.TouchValidated(ctx, license.ID); err != nil {
		log.Error().Err(err).Int("licenseId", license.ID).Msg("Failed to update validation time")
	}

	s.record(VerdictValid)

	remaining := license.RemainingDays(now)
	expiresAt := license.ExpiresAt
	return &CheckResult{
		Valid:           true,
		HasLicense:      true,
		IsTrial:         license.IsTrial,
		NeedsActivation: false,
		ExpiresAt:       &expiresAt,
		RemainingDays:   &remaining,
	}, nil
}

// Activate explicitly binds the caller's license to a device. It is
// idempotent for the device already holding the binding.
func (s *LicenseService) Activate(ctx context.Context, userID int, deviceID string) (*CheckResult, error) {
	license, err := s.licenses.GetActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return nil, ErrNoActivatableLicense
		}
		return nil, err
	}

	if license.IsExpired(s.now()) {
		return nil, ErrNoActivatableLicense
	}

	if err := s.licenses.BindDevice(ctx, license.ID, deviceID); err != nil {
		if errors.Is(err, models.ErrDeviceMismatch) {
			s.record(VerdictDeviceMismatch)
		}
		return nil, err
	}

	s.recordActivation()

	log.Info().
		Int("userId", userID).
		Str("deviceId", maskDeviceID(deviceID)).
		Msg("License activated")

	return s.Validate(ctx, userID, deviceID)
}

// ResetDevice clears the device binding after re-authentication. The
// credential check runs on the low-privilege path; only the update uses
// the store handle. Resetting an unbound license still succeeds.
func (s *LicenseService) ResetDevice(ctx context.Context, email, password string) error {
	user, err := s.auth.VerifyCredentials(ctx, email, password)
	if err != nil {
		return err
	}

	if err := s.licenses.ClearDevice(ctx, user.ID); err != nil {
		return errors.Wrap(err, "failed to clear device binding")
	}

	s.recordDeviceReset()

	log.Info().
		Int("userId", user.ID).
		Msg("Device binding cleared")

	return nil
}

// GraceDays returns the configured offline-grace window
func (s *LicenseService) GraceDays() int {
	if s.policy.GraceDays <= 0 {
		return 30
	}
	return s.policy.GraceDays
}

func (s *LicenseService) resultForMissing(ctx context.Context, userID int) (*CheckResult, error) {
	// Distinguish a revoked account from one that never activated
	latest, err := s.licenses.GetLatestByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			s.record(VerdictUnlicensed)
			return &CheckResult{
				Valid:           false,
				HasLicense:      false,
				NeedsActivation: true,
			}, nil
		}
		return nil, err
	}

	s.record(VerdictRevoked)
	return &CheckResult{
		Valid:           false,
		HasLicense:      true,
		IsTrial:         latest.IsTrial,
		IsRevoked:       true,
		NeedsActivation: true,
	}, nil
}

func (s *LicenseService) record(verdict string) {
	if s.recorder != nil {
		s.recorder.RecordValidation(verdict)
	}
}

func (s *LicenseService) recordActivation() {
	if s.recorder != nil {
		s.recorder.RecordActivation()
	}
}

func (s *LicenseService) recordDeviceReset() {
	if s.recorder != nil {
		s.recorder.RecordDeviceReset()
	}
}

// maskDeviceID masks a device identifier for logging
func maskDeviceID(id string) string {
	if len(id) <= 8 {
		return "***"
	}
	return id[:8] + "***"
}
