package dlq_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/dlq"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/observability"
	"github.com/hookline/courier/store/memory"
	"github.com/hookline/courier/subscription"
)

func setup(t *testing.T) (*dlq.Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	return dlq.NewService(s, nil, nil), s
}

func failedDelivery(sub *subscription.Subscription) *delivery.Delivery {
	return &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		SubscriptionID: sub.ID,
		EventID:        id.NewEventID(),
		EventKind:      "invoice.created",
		Payload:        json.RawMessage(`{"id":"evt_x","type":"invoice.created"}`),
		State:          delivery.StateFailed,
		AttemptCount:   3,
		MaxAttempts:    3,
		LastStatusCode: 503,
		LastError:      "unexpected status 503",
	}
}

func activeSubscription(t *testing.T, s *memory.Store, tenantID string) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    tenantID,
		URL:         "https://example.com/hooks",
		Secret:      "whsec_test",
		EventKinds:  []string{"invoice.*"},
		Status:      subscription.StatusActive,
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
	}
	if err := s.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return sub
}

func TestPushFailedCapturesDeliveryState(t *testing.T) {
	svc, s := setup(t)
	sub := activeSubscription(t, s, "tenant-1")
	d := failedDelivery(sub)

	if err := svc.PushFailed(context.Background(), d, sub); err != nil {
		t.Fatalf("PushFailed: %v", err)
	}

	entries, err := svc.List(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.DeliveryID != d.ID || e.EventID != d.EventID || e.SubscriptionID != sub.ID {
		t.Error("entry does not reference the failed delivery")
	}
	if e.TenantID != sub.TenantID || e.URL != sub.URL {
		t.Error("entry missing subscription context")
	}
	if e.Error != "unexpected status 503" || e.LastStatusCode != 503 {
		t.Errorf("entry error context = %q / %d", e.Error, e.LastStatusCode)
	}
	if e.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", e.AttemptCount)
	}
	if string(e.Payload) != string(d.Payload) {
		t.Error("payload not carried over verbatim")
	}
	if e.FailedAt.IsZero() {
		t.Error("FailedAt not stamped")
	}
}

func TestListFiltersByTenant(t *testing.T) {
	svc, s := setup(t)
	sub := activeSubscription(t, s, "tenant-1")

	other := activeSubscription(t, s, "tenant-2")

	if err := svc.PushFailed(context.Background(), failedDelivery(sub), sub); err != nil {
		t.Fatalf("PushFailed: %v", err)
	}
	if err := svc.PushFailed(context.Background(), failedDelivery(other), other); err != nil {
		t.Fatalf("PushFailed other: %v", err)
	}

	entries, err := svc.List(context.Background(), dlq.ListOpts{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].TenantID != "tenant-1" {
		t.Fatalf("tenant filter leaked entries: %d", len(entries))
	}
}

func TestReplayThenPurge(t *testing.T) {
	svc, s := setup(t)
	sub := activeSubscription(t, s, "tenant-1")

	if err := svc.PushFailed(context.Background(), failedDelivery(sub), sub); err != nil {
		t.Fatalf("PushFailed: %v", err)
	}

	entries, err := svc.List(context.Background(), dlq.ListOpts{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("List: %v (%d)", err, len(entries))
	}
	entry := entries[0]

	if err := svc.Replay(context.Background(), entry.ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	got, err := svc.Get(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not stamped after replay")
	}

	// The entry stays behind as an audit record until purged.
	n, err := svc.Purge(context.Background(), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("Purge removed %d, want 1", n)
	}

	count, err := svc.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("Count = %d, want 0", count)
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestReplayTracksPendingGauge(t *testing.T) {
	s := memory.New()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	svc := dlq.NewService(s, m, nil)
	sub := activeSubscription(t, s, "tenant-1")

	for i := 0; i < 3; i++ {
		if err := svc.PushFailed(context.Background(), failedDelivery(sub), sub); err != nil {
			t.Fatalf("PushFailed: %v", err)
		}
	}

	entries, err := svc.List(context.Background(), dlq.ListOpts{})
	if err != nil || len(entries) != 3 {
		t.Fatalf("List: %v (%d)", err, len(entries))
	}

	// Each replayed entry enqueues one fresh delivery.
	if err := svc.Replay(context.Background(), entries[0].ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := gaugeValue(t, reg, "courier_pending_deliveries"); got != 1 {
		t.Fatalf("pending gauge after Replay = %f, want 1", got)
	}

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	if _, err := svc.ReplayBulk(context.Background(), from, to); err != nil {
		t.Fatalf("ReplayBulk: %v", err)
	}
	if got := gaugeValue(t, reg, "courier_pending_deliveries"); got != 3 {
		t.Fatalf("pending gauge after ReplayBulk = %f, want 3", got)
	}
}

func TestReplayBulkSkipsReplayed(t *testing.T) {
	svc, s := setup(t)
	sub := activeSubscription(t, s, "tenant-1")

	for i := 0; i < 3; i++ {
		if err := svc.PushFailed(context.Background(), failedDelivery(sub), sub); err != nil {
			t.Fatalf("PushFailed: %v", err)
		}
	}

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)

	n, err := svc.ReplayBulk(context.Background(), from, to)
	if err != nil {
		t.Fatalf("ReplayBulk: %v", err)
	}
	if n != 3 {
		t.Fatalf("ReplayBulk replayed %d, want 3", n)
	}

	// Second pass finds nothing left to replay.
	n, err = svc.ReplayBulk(context.Background(), from, to)
	if err != nil {
		t.Fatalf("ReplayBulk second pass: %v", err)
	}
	if n != 0 {
		t.Errorf("ReplayBulk second pass replayed %d, want 0", n)
	}
}
