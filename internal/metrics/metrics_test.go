package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestActiveAttacksGaugeReflectsSetValue(t *testing.T) {
	m := New()
	m.ActiveAttacks.Set(3)

	var out dto.Metric
	if err := m.ActiveAttacks.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.GetGauge().GetValue() != 3 {
		t.Fatalf("ActiveAttacks = %v, want 3", out.GetGauge().GetValue())
	}
}

func TestHostCapOverflowsIsAGauge(t *testing.T) {
	m := New()
	m.HostCapOverflows.Inc()
	m.HostCapOverflows.Inc()

	var out dto.Metric
	if err := m.HostCapOverflows.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.GetGauge().GetValue() != 2 {
		t.Fatalf("HostCapOverflows = %v, want 2", out.GetGauge().GetValue())
	}
}

func TestPacketsProcessedIsLabeledBySource(t *testing.T) {
	m := New()
	m.PacketsProcessed.WithLabelValues("sflow").Inc()
	m.PacketsProcessed.WithLabelValues("sflow").Inc()
	m.PacketsProcessed.WithLabelValues("netflow5").Inc()

	var out dto.Metric
	if err := m.PacketsProcessed.WithLabelValues("sflow").Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.GetCounter().GetValue() != 2 {
		t.Fatalf("sflow counter = %v, want 2", out.GetCounter().GetValue())
	}
}
