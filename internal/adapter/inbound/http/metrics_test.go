package http

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Verify all metrics are registered
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal not initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration not initialized")
	}
	if m.ActiveSession == nil {
		t.Error("ActiveSession not initialized")
	}
	if m.LogoutsTotal == nil {
		t.Error("LogoutsTotal not initialized")
	}
	if m.RefreshesTotal == nil {
		t.Error("RefreshesTotal not initialized")
	}
	if m.WarningOpensTotal == nil {
		t.Error("WarningOpensTotal not initialized")
	}
	if m.ActivityEventsTotal == nil {
		t.Error("ActivityEventsTotal not initialized")
	}
	if m.BroadcastSignalsTotal == nil {
		t.Error("BroadcastSignalsTotal not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Counter increment through the lifecycle surface
	m.LogoutRecorded("inactivity")
	if got := testutil.ToFloat64(m.LogoutsTotal.WithLabelValues("inactivity")); got != 1 {
		t.Errorf("LogoutsTotal = %v, want 1", got)
	}

	m.RefreshRecorded("ok")
	m.RefreshRecorded("failed")
	if got := testutil.ToFloat64(m.RefreshesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("RefreshesTotal{failed} = %v, want 1", got)
	}

	m.SessionActive(true)
	if got := testutil.ToFloat64(m.ActiveSession); got != 1 {
		t.Errorf("ActiveSession = %v, want 1", got)
	}
	m.SessionActive(false)
	if got := testutil.ToFloat64(m.ActiveSession); got != 0 {
		t.Errorf("ActiveSession = %v, want 0", got)
	}

	m.SignalRecorded("logout", "sent")
	if got := testutil.ToFloat64(m.BroadcastSignalsTotal.WithLabelValues("logout", "sent")); got != 1 {
		t.Errorf("BroadcastSignalsTotal = %v, want 1", got)
	}

	// Histogram observation
	m.RequestDuration.WithLabelValues("POST").Observe(0.1)
	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	var family *dto.MetricFamily
	for _, mf := range gathered {
		if strings.Contains(mf.GetName(), "request_duration") {
			family = mf
			break
		}
	}
	if family == nil {
		t.Fatal("request_duration histogram not found in gathered metrics")
	}
	if n := family.GetMetric()[0].GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("request_duration sample count = %d, want 1", n)
	}
}
