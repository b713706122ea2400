// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillhq/licensed/internal/database"
	"github.com/tillhq/licensed/internal/models"
)

func newTestManager(t *testing.T) (*Manager, *models.LicenseStore, *models.UserStore) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	licenses := models.NewLicenseStore(db.Conn())
	users := models.NewUserStore(db.Conn())
	return NewManager(licenses), licenses, users
}

func TestLicenseCollectorCounts(t *testing.T) {
	manager, licenses, users := newTestManager(t)

	user, err := users.Create(t.Context(), "owner@shop.example", "x")
	require.NoError(t, err)

	_, err = licenses.Create(t.Context(), user.ID, true, time.Now().Add(14*24*time.Hour))
	require.NoError(t, err)

	expected := `
# HELP licensed_licenses_active Number of non-revoked, unexpired licenses
# TYPE licensed_licenses_active gauge
licensed_licenses_active 1
# HELP licensed_licenses_trial Number of active trial licenses
# TYPE licensed_licenses_trial gauge
licensed_licenses_trial 1
`
	err = testutil.GatherAndCompare(manager.GetRegistry(), strings.NewReader(expected),
		"licensed_licenses_active", "licensed_licenses_trial")
	assert.NoError(t, err)
}

func TestRecorderCounters(t *testing.T) {
	manager, _, _ := newTestManager(t)

	manager.RecordValidation("valid")
	manager.RecordValidation("valid")
	manager.RecordValidation("expired")
	manager.RecordActivation()
	manager.RecordDeviceReset()

	assert.Equal(t, float64(2), testutil.ToFloat64(manager.validations.WithLabelValues("valid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(manager.validations.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(manager.activations))
	assert.Equal(t, float64(1), testutil.ToFloat64(manager.deviceResets))
}
