// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/models"
)

// Manager owns the Prometheus registry and the event counters fed by
// the license service. It satisfies services.Recorder.
type Manager struct {
	registry *prometheus.Registry

	validations  *prometheus.CounterVec
	activations  prometheus.Counter
	deviceResets prometheus.Counter
}

func NewManager(licenses *models.LicenseStore) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(NewLicenseCollector(licenses))

	validations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "licensed_validations_total",
		Help: "License validation requests by verdict",
	}, []string{"verdict"})

	activations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "licensed_activations_total",
		Help: "Successful device activations",
	})

	deviceResets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "licensed_device_resets_total",
		Help: "Device binding resets via the reset/transfer flow",
	})

	registry.MustRegister(validations, activations, deviceResets)

	log.Info().Msg("Metrics manager initialized with license collector")

	return &Manager{
		registry:     registry,
		validations:  validations,
		activations:  activations,
		deviceResets: deviceResets,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordValidation implements services.Recorder
func (m *Manager) RecordValidation(verdict string) {
	m.validations.WithLabelValues(verdict).Inc()
}

// RecordActivation implements services.Recorder
func (m *Manager) RecordActivation() {
	m.activations.Inc()
}

// RecordDeviceReset implements services.Recorder
func (m *Manager) RecordDeviceReset() {
	m.deviceResets.Inc()
}
