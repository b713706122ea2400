// Copyright (c) 2025, the Till contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tillhq/licensed/internal/models"
)

// LicenseCollector exports license counts from the store on scrape
type LicenseCollector struct {
	licenses *models.LicenseStore

	activeLicensesDesc *prometheus.Desc
	trialLicensesDesc  *prometheus.Desc
	scrapeErrorsDesc   *prometheus.Desc

	scrapeErrors float64
}

func NewLicenseCollector(licenses *models.LicenseStore) *LicenseCollector {
	return &LicenseCollector{
		licenses: licenses,

		activeLicensesDesc: prometheus.NewDesc(
			"licensed_licenses_active",
			"Number of non-revoked, unexpired licenses",
			nil,
			nil,
		),
		trialLicensesDesc: prometheus.NewDesc(
			"licensed_licenses_trial",
			"Number of active trial licenses",
			nil,
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"licensed_scrape_errors_total",
			"Number of errors encountered while collecting license metrics",
			nil,
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeLicensesDesc
	ch <- c.trialLicensesDesc
	ch <- c.scrapeErrorsDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active, trial, err := c.licenses.Counts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect license counts")
		c.scrapeErrors++
	} else {
		ch <- prometheus.MustNewConstMetric(c.activeLicensesDesc, prometheus.GaugeValue, float64(active))
		ch <- prometheus.MustNewConstMetric(c.trialLicensesDesc, prometheus.GaugeValue, float64(trial))
	}

	ch <- prometheus.MustNewConstMetric(c.scrapeErrorsDesc, prometheus.CounterValue, c.scrapeErrors)
}
