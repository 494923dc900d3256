package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.RecordPacketReceived()
	m.RecordSessionEnded("stopped", 1)
	m.RecordStageAttempt("analysis", true)
	m.RecordStageResult("analysis", "Timeout", 3, 0.5)
	m.RecordPipelineRun("failed", 1)
	m.RecordHTTPRequest("GET", "/health", 200, 0.01)
	m.AddWebSocketClients(1)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordStageAttempt("analysis", false)
	m.RecordStageAttempt("analysis", true)
	m.RecordStageResult("analysis", "Timeout", 2, 0.3)
	m.RecordSessionEnded("IdleTimeout", 120)
	m.RecordFrameDropped()
	m.SetActiveSessions(3)

	if got := testutil.ToFloat64(m.StageAttempts.WithLabelValues("analysis")); got != 2 {
		t.Errorf("Expected 2 attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.StageRetries.WithLabelValues("analysis")); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.StageCalls.WithLabelValues("analysis", "Timeout")); got != 1 {
		t.Errorf("Expected 1 timed out call, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsEnded.WithLabelValues("IdleTimeout")); got != 1 {
		t.Errorf("Expected 1 idle timeout, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped); got != 1 {
		t.Errorf("Expected 1 dropped frame, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("Expected 3 active sessions, got %v", got)
	}
}

func TestNewRegistryGathers(t *testing.T) {
	reg := NewRegistry()
	NewMetrics(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected gathered metric families")
	}
}
