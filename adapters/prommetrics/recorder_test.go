package prommetrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-shopify/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricName(t *testing.T) {
	cases := map[string]string{
		"shopify.webhooks.process.total": "shopify_webhooks_process_total",
		" Jobs.Register-Webhooks ":       "jobs_register_webhooks",
		"2xx.count":                      "_2xx_count",
	}
	for in, want := range cases {
		if got := MetricName(in); got != want {
			t.Fatalf("MetricName(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestRecorderCountsObserverOperations(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry)
	observer := core.NewObserver(nil, recorder)

	fields := map[string]any{"topic": "orders/create", "shop": "a.myshopify.com"}
	observer.ObserveOperation(context.Background(), time.Now(), "webhooks.process", nil, fields)
	observer.ObserveOperation(context.Background(), time.Now(), "webhooks.process", nil, fields)
	observer.ObserveOperation(context.Background(), time.Now(), "webhooks.process", errors.New("boom"), fields)

	counter := recorder.counter("shopify_webhooks_process_total")
	if got := testutil.ToFloat64(counter.With(prometheus.Labels{
		"operation": "webhooks.process", "status": "success", "topic": "orders/create", "delivery_method": "",
	})); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(counter.With(prometheus.Labels{
		"operation": "webhooks.process", "status": "failure", "topic": "orders/create", "delivery_method": "",
	})); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := []string{}
	for _, family := range families {
		names = append(names, family.GetName())
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "shopify_webhooks_process_duration_ms") {
		t.Fatalf("expected duration histogram, got %s", joined)
	}
}

func TestRecorderReusesAlreadyRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewRecorder(registry)
	second := NewRecorder(registry)

	first.IncCounter(context.Background(), "shopify.jobs.total", 1, map[string]string{"status": "success"})
	second.IncCounter(context.Background(), "shopify.jobs.total", 2, map[string]string{"status": "success"})

	if got := testutil.ToFloat64(first.counter("shopify_jobs_total")); got != 3 {
		t.Fatalf("expected shared collector total 3, got %v", got)
	}
	second.IncCounter(context.Background(), "shopify.jobs.total", -1, nil)
	second.IncCounter(context.Background(), "", 1, nil)
}
