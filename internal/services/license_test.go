// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillhq/licensed/internal/auth"
	"github.com/tillhq/licensed/internal/database"
	"github.com/tillhq/licensed/internal/domain"
	"github.com/tillhq/licensed/internal/models"
)

type fixture struct {
	db      *database.DB
	auth    *auth.Service
	service *LicenseService
	userID  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	authService, err := auth.NewService(db.Conn(), "test-session-secret")
	require.NoError(t, err)

	user, err := authService.Register(t.Context(), "owner@shop.example", "hunter2hunter2")
	require.NoError(t, err)

	service := NewLicenseService(db, authService, domain.Licensing{
		TrialDays: 14,
		GraceDays: 30,
	})

	return &fixture{
		db:      db,
		auth:    authService,
		service: service,
		userID:  user.ID,
	}
}

func (f *fixture) provisionTrial(t *testing.T) *models.License {
	t.Helper()
	license, err := f.service.ProvisionTrial(t.Context(), f.userID)
	require.NoError(t, err)
	return license
}

func TestValidateWithoutLicense(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Validate(t.Context(), f.userID, "")
	require.NoError(t, err, "missing license is a normal state, not an error")

	assert.False(t, result.Valid)
	assert.False(t, result.HasLicense)
	assert.True(t, result.NeedsActivation)
}

func TestValidateActiveTrial(t *testing.T) {
	f := newFixture(t)
	f.provisionTrial(t)

	result, err := f.service.Validate(t.Context(), f.userID, "")
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.True(t, result.HasLicense)
	assert.True(t, result.IsTrial)
	assert.False(t, result.NeedsActivation)
	require.NotNil(t, result.RemainingDays)
	assert.Equal(t, 14, *result.RemainingDays)
}

func TestRemainingDaysCeiling(t *testing.T) {
	f := newFixture(t)

	// Expires in 1 hour: remainingDays must round up, never to zero
	_, err := f.service.Store().Create(t.Context(), f.userID, false, time.Now().Add(time.Hour))
	require.NoError(t, err)

	result, err := f.service.Validate(t.Context(), f.userID, "")
	require.NoError(t, err)

	assert.True(t, result.Valid)
	require.NotNil(t, result.RemainingDays)
	assert.Equal(t, 1, *result.RemainingDays)
}

func TestValidateExpired(t *testing.T) {
	for _, isTrial := range []bool{true, false} {
		f := newFixture(t)

		_, err := f.service.Store().Create(t.Context(), f.userID, isTrial, time.Now().Add(-time.Hour))
		require.NoError(t, err)

		result, err := f.service.Validate(t.Context(), f.userID, "")
		require.NoError(t, err)

		assert.False(t, result.Valid, "trial=%v", isTrial)
		assert.True(t, result.HasLicense)
		assert.True(t, result.IsExpired)
		assert.True(t, result.NeedsActivation)
		assert.Equal(t, isTrial, result.IsTrial)
		assert.NotNil(t, result.ExpiredAt)
		assert.Nil(t, result.RemainingDays)
	}
}

func TestValidateRevoked(t *testing.T) {
	f := newFixture(t)
	license := f.provisionTrial(t)

	require.NoError(t, f.service.Store().Revoke(t.Context(), license.ID))

	result, err := f.service.Validate(t.Context(), f.userID, "")
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.True(t, result.HasLicense)
	assert.True(t, result.IsRevoked)
}

func TestDeviceBindingOnFirstValidation(t *testing.T) {
	f := newFixture(t)
	license := f.provisionTrial(t)

	result, err := f.service.Validate(t.Context(), f.userID, "fp-device-one-aaaaaaaa")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	bound, err := f.service.Store().GetActiveByUserID(t.Context(), f.userID)
	require.NoError(t, err)
	require.NotNil(t, bound.DeviceID)
	assert.Equal(t, "fp-device-one-aaaaaaaa", *bound.DeviceID)
	assert.Equal(t, license.ID, bound.ID)

	// Same device keeps validating
	result, err = f.service.Validate(t.Context(), f.userID, "fp-device-one-aaaaaaaa")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// A second device is rejected
	_, err = f.service.Validate(t.Context(), f.userID, "fp-device-two-bbbbbbbb")
	assert.ErrorIs(t, err, models.ErrDeviceMismatch)
}

func TestActivateIdempotentForSameDevice(t *testing.T) {
	f := newFixture(t)
	f.provisionTrial(t)

	_, err := f.service.Activate(t.Context(), f.userID, "fp-till-front-counter")
	require.NoError(t, err)

	result, err := f.service.Activate(t.Context(), f.userID, "fp-till-front-counter")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	_, err = f.service.Activate(t.Context(), f.userID, "fp-till-back-office")
	assert.ErrorIs(t, err, models.ErrDeviceMismatch)
}

func TestActivateWithoutLicense(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Activate(t.Context(), f.userID, "fp-device")
	assert.ErrorIs(t, err, ErrNoActivatableLicense)
}

func TestResetDeviceUnbinds(t *testing.T) {
	f := newFixture(t)
	f.provisionTrial(t)

	_, err := f.service.Validate(t.Context(), f.userID, "fp-old-till")
	require.NoError(t, err)

	// New device is locked out until the binding is reset
	_, err = f.service.Validate(t.Context(), f.userID, "fp-new-till")
	require.ErrorIs(t, err, models.ErrDeviceMismatch)

	err = f.service.ResetDevice(t.Context(), "owner@shop.example", "hunter2hunter2")
	require.NoError(t, err)

	// The replacement device now claims the license
	result, err := f.service.Validate(t.Context(), f.userID, "fp-new-till")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	bound, err := f.service.Store().GetActiveByUserID(t.Context(), f.userID)
	require.NoError(t, err)
	require.NotNil(t, bound.DeviceID)
	assert.Equal(t, "fp-new-till", *bound.DeviceID)
}

func TestResetDeviceWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.provisionTrial(t)

	_, err := f.service.Validate(t.Context(), f.userID, "fp-old-till")
	require.NoError(t, err)

	err = f.service.ResetDevice(t.Context(), "owner@shop.example", "wrong-password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	// Binding must be untouched
	bound, err := f.service.Store().GetActiveByUserID(t.Context(), f.userID)
	require.NoError(t, err)
	require.NotNil(t, bound.DeviceID)
	assert.Equal(t, "fp-old-till", *bound.DeviceID)
}

func TestResetDeviceUnknownEmail(t *testing.T) {
	f := newFixture(t)

	err := f.service.ResetDevice(t.Context(), "nobody@shop.example", "whatever-password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials,
		"unknown account and wrong password must be indistinguishable")
}

func TestResetDeviceIdempotent(t *testing.T) {
	f := newFixture(t)
	f.provisionTrial(t)

	_, err := f.service.Validate(t.Context(), f.userID, "fp-old-till")
	require.NoError(t, err)

	require.NoError(t, f.service.ResetDevice(t.Context(), "owner@shop.example", "hunter2hunter2"))
	require.NoError(t, f.service.ResetDevice(t.Context(), "owner@shop.example", "hunter2hunter2"),
		"clearing an already-null binding is still a success")
}

func TestResetDeviceSkipsRevoked(t *testing.T) {
	f := newFixture(t)
	license := f.provisionTrial(t)

	_, err := f.service.Validate(t.Context(), f.userID, "fp-old-till")
	require.NoError(t, err)

	require.NoError(t, f.service.Store().Revoke(t.Context(), license.ID))

	require.NoError(t, f.service.ResetDevice(t.Context(), "owner@shop.example", "hunter2hunter2"))

	// The revoked record keeps its binding for audit purposes
	ctx := context.Background()
	latest, err := f.service.Store().GetLatestByUserID(ctx, f.userID)
	require.NoError(t, err)
	require.NotNil(t, latest.DeviceID)
	assert.Equal(t, "fp-old-till", *latest.DeviceID)
}

func TestRenewClearsTrialFlag(t *testing.T) {
	f := newFixture(t)
	license := f.provisionTrial(t)

	newExpiry := time.Now().Add(365 * 24 * time.Hour)
	require.NoError(t, f.service.Store().Renew(t.Context(), license.ID, newExpiry))

	result, err := f.service.Validate(t.Context(), f.userID, "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.IsTrial)
	require.NotNil(t, result.RemainingDays)
	assert.InDelta(t, 365, *result.RemainingDays, 1)
}
