package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterExposesEveryCollector(t *testing.T) {
	m := New("cyncd_test")
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family after registration")
	}
}

func TestAdmissionRejectedIncrementsByReason(t *testing.T) {
	m := New("cyncd_test")
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.AdmissionRejected("whitelist")
	m.AdmissionRejected("whitelist")
	m.AdmissionRejected("cap")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() != "cyncd_test_admission_rejected_total" {
			continue
		}
		found = true
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == "whitelist" {
					if metric.GetCounter().GetValue() != 2 {
						t.Errorf("expected 2 whitelist rejections, got %v", metric.GetCounter().GetValue())
					}
				}
			}
		}
	}
	if !found {
		t.Fatal("admission_rejected_total metric family not found")
	}
}

func TestMeshPrimaryCollectorReflectsSetAndRemove(t *testing.T) {
	m := New("cyncd_test")
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.PrimaryElected("mesh-a", "endpoint-1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMeshPrimarySample(families, "mesh-a", "endpoint-1") {
		t.Fatal("expected mesh_primary_bridge sample for mesh-a after PrimaryElected")
	}

	m.MeshRemoved("mesh-a")
	families, err = reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if hasMeshPrimarySample(families, "mesh-a", "endpoint-1") {
		t.Fatal("expected mesh_primary_bridge sample to disappear after MeshRemoved")
	}
}

func hasMeshPrimarySample(families []*dto.MetricFamily, mesh, endpoint string) bool {
	for _, f := range families {
		if f.GetName() != "cyncd_test_mesh_primary_bridge" {
			continue
		}
		for _, metric := range f.GetMetric() {
			var gotMesh, gotEndpoint string
			for _, l := range metric.GetLabel() {
				switch l.GetName() {
				case "mesh_id":
					gotMesh = l.GetValue()
				case "bridge_endpoint":
					gotEndpoint = l.GetValue()
				}
			}
			if gotMesh == mesh && gotEndpoint == endpoint {
				return true
			}
		}
	}
	return false
}

func TestObserveAckLatencyRecordsSample(t *testing.T) {
	m := New("cyncd_test")
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.ObserveAckLatency(20 * time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "cyncd_test_ack_latency_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 histogram sample, got %d", metric.GetHistogram().GetSampleCount())
			}
		}
	}
}
