package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.ConnectionsHandled.WithLabelValues("ok").Inc()
	m.BytesForwarded.WithLabelValues(DirectionDownstream).Add(5)

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, name := range []string{
		"forward_proxy_connections_handled_total",
		"forward_proxy_body_bytes_total",
	} {
		if findFamily(families, name) == nil {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}

	bytes := findFamily(families, "forward_proxy_body_bytes_total")
	if got := bytes.GetMetric()[0].GetCounter().GetValue(); got != 5 {
		t.Errorf("body bytes = %v, want 5", got)
	}
}

func TestNew_QueueDepthPerWorker(t *testing.T) {
	m := New()
	m.QueueDepth.WithLabelValues("0").Set(3)
	m.QueueDepth.WithLabelValues("1").Set(0)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	f := findFamily(families, "forward_proxy_worker_queue_depth")
	if f == nil {
		t.Fatal("expected forward_proxy_worker_queue_depth in gathered metrics")
	}
	if f.GetType() != dto.MetricType_GAUGE {
		t.Errorf("type = %v, want GAUGE", f.GetType())
	}
	if n := len(f.GetMetric()); n != 2 {
		t.Errorf("series = %d, want 2", n)
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"TRACE", "TRACE"},
		{"CONNECT", "other"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}
