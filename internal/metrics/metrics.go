// Package metrics exposes Warden's Prometheus counters, gated behind
// config.MetricsEnabled() at the HTTP surface. Every metric here tracks one
// of the three outbound operations the installation engine performs: image
// pulls, container installs, and health checks, plus the WizardPublisher's
// own delivery success rate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_installs_total",
		Help: "Total number of service installation attempts by service and outcome.",
	}, []string{"service", "status"})

	InstallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_install_duration_seconds",
		Help:    "Duration of a single service's install (pull+run+health) by service.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	PullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_pulls_total",
		Help: "Total number of image pull attempts by image and outcome.",
	}, []string{"image", "status"})

	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_health_checks_total",
		Help: "Total number of health probe attempts by service and outcome.",
	}, []string{"service", "status"})

	HealthCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_health_check_duration_seconds",
		Help:    "Duration of a HealthProber.Probe call across all its candidates.",
		Buckets: prometheus.DefBuckets,
	})

	WizardPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_wizard_publishes_total",
		Help: "Total number of WizardPublisher vault PATCH attempts by outcome.",
	}, []string{"status"})

	InstallationBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_installation_batches_total",
		Help: "Total number of installation batches started (TryBegin succeeded).",
	})

	ServicesInstalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_services_installed",
		Help: "Number of catalog services currently reporting an installed/running container.",
	})
)
