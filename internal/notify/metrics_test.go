package notify

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.(prometheus.Metric).Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.(prometheus.Metric).Write(&m); err != nil {
		return -1
	}
	return m.GetGauge().GetValue()
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() returned error: %v", err)
		}

		// Vec metrics only appear once a label is observed.
		m.incPublished(TypeSOS)
		m.incDropped("overflow")

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() returned error: %v", err)
		}
		expected := map[string]bool{
			MetricSubscriptionsActive:  false,
			MetricPublishedTotal:       false,
			MetricDeliveredTotal:       false,
			MetricDroppedSubscriptions: false,
		}
		for _, f := range families {
			if _, ok := expected[f.GetName()]; ok {
				expected[f.GetName()] = true
			}
		}
		for name, found := range expected {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func TestMetrics_HubInstrumentation(t *testing.T) {
	m := NewMetrics()
	hub := NewHub(WithMetrics(m), WithQueueSize(1))

	a := hub.Subscribe(tourMember("user-1", "org-1", "tour-1"))
	b := hub.Subscribe(tourMember("user-2", "org-1", "tour-1"))
	if v := getGaugeValue(m.subscriptionsActive); v != 2 {
		t.Errorf("active = %f, want 2", v)
	}

	hub.Publish(context.Background(), Notification{Type: TypeSOS, Severity: SeverityCritical}, TourScope("org-1", "tour-1"))
	if v := getCounterValue(m.deliveredTotal); v != 2 {
		t.Errorf("delivered = %f, want 2", v)
	}
	if v := getCounterValue(m.publishedTotal.WithLabelValues(string(TypeSOS))); v != 1 {
		t.Errorf("published{SOS} = %f, want 1", v)
	}

	// Drain a only; b overflows on the next publish.
	<-a.Events()
	hub.Publish(context.Background(), Notification{Type: TypeHealth, Severity: SeverityHigh}, TourScope("org-1", "tour-1"))
	if v := getCounterValue(m.droppedSubscriptions.WithLabelValues("overflow")); v != 1 {
		t.Errorf("dropped{overflow} = %f, want 1", v)
	}
	if v := getGaugeValue(m.subscriptionsActive); v != 1 {
		t.Errorf("active = %f, want 1", v)
	}

	hub.Drop(a, nil)
	if v := getCounterValue(m.droppedSubscriptions.WithLabelValues("transport_error")); v != 1 {
		t.Errorf("dropped{transport_error} = %f, want 1", v)
	}
	if v := getGaugeValue(m.subscriptionsActive); v != 0 {
		t.Errorf("active = %f, want 0", v)
	}

	// Unsubscribing an already-dropped subscription changes nothing.
	hub.Unsubscribe(b)
	if v := getCounterValue(m.droppedSubscriptions.WithLabelValues("overflow")); v != 1 {
		t.Errorf("dropped{overflow} = %f, want 1 after Unsubscribe", v)
	}
}
