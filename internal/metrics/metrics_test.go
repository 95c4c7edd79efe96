package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// CounterVec/HistogramVec metrics are not gathered until at least one
	// label set exists.
	InstallsTotal.WithLabelValues("noona-mongo", "installed")
	InstallDuration.WithLabelValues("noona-mongo")
	PullsTotal.WithLabelValues("mongo:7", "success")
	HealthChecksTotal.WithLabelValues("noona-vault", "healthy")
	WizardPublishesTotal.WithLabelValues("success")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"warden_installs_total":              false,
		"warden_install_duration_seconds":    false,
		"warden_pulls_total":                 false,
		"warden_health_checks_total":         false,
		"warden_health_check_duration_seconds": false,
		"warden_wizard_publishes_total":       false,
		"warden_installation_batches_total":  false,
		"warden_services_installed":          false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	InstallationBatchesTotal.Add(1)
	InstallsTotal.WithLabelValues("noona-redis", "installed").Inc()
	PullsTotal.WithLabelValues("redis:7-alpine", "error").Inc()
	HealthChecksTotal.WithLabelValues("noona-portal", "error").Inc()
	WizardPublishesTotal.WithLabelValues("error").Inc()
	// No panic = success; actual values verified via Gather if needed.
}

func TestGaugeSets(t *testing.T) {
	ServicesInstalled.Set(5)
	// No panic = success.
}

func TestHistogramObserves(t *testing.T) {
	InstallDuration.WithLabelValues("noona-vault").Observe(1.5)
	HealthCheckDuration.Observe(0.25)
}
