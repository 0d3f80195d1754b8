package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hookline/courier"
	"github.com/hookline/courier/catalog"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/dlq"
	"github.com/hookline/courier/event"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/subscription"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb)
}

func ctx() context.Context {
	return context.Background()
}

func testKind(name string) *catalog.Kind {
	return &catalog.Kind{
		Entity: entity.New(),
		ID:     id.NewEventKindID(),
		Definition: catalog.Definition{
			Name:  name,
			Group: "billing",
		},
	}
}

func testSubscription(tenantID string, kinds ...string) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    tenantID,
		URL:         "https://example.com/hooks",
		Secret:      "whsec_0000000000000000000000000000000000000000000000000000000000000000",
		EventKinds:  kinds,
		Status:      subscription.StatusActive,
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
	}
}

func testDelivery(sub *subscription.Subscription) *delivery.Delivery {
	return &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		SubscriptionID: sub.ID,
		EventID:        id.NewEventID(),
		EventKind:      "invoice.created",
		Payload:        json.RawMessage(`{"id":"evt_x","type":"invoice.created"}`),
		State:          delivery.StatePending,
		MaxAttempts:    sub.MaxAttempts,
	}
}

func TestKindUpsertPreservesID(t *testing.T) {
	s := setupStore(t)

	first := testKind("invoice.created")
	if err := s.RegisterKind(ctx(), first); err != nil {
		t.Fatalf("RegisterKind: %v", err)
	}

	second := testKind("invoice.created")
	second.Definition.Description = "updated"
	if err := s.RegisterKind(ctx(), second); err != nil {
		t.Fatalf("RegisterKind upsert: %v", err)
	}

	got, err := s.GetKind(ctx(), "invoice.created")
	if err != nil {
		t.Fatalf("GetKind: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("re-registration changed ID: got %s, want %s", got.ID, first.ID)
	}
	if got.Definition.Description != "updated" {
		t.Errorf("description not updated: %q", got.Definition.Description)
	}
}

func TestDeleteKindDeprecates(t *testing.T) {
	s := setupStore(t)

	if err := s.RegisterKind(ctx(), testKind("invoice.created")); err != nil {
		t.Fatalf("RegisterKind: %v", err)
	}
	if err := s.DeleteKind(ctx(), "invoice.created"); err != nil {
		t.Fatalf("DeleteKind: %v", err)
	}

	got, err := s.GetKind(ctx(), "invoice.created")
	if err != nil {
		t.Fatalf("GetKind after delete: %v", err)
	}
	if !got.IsDeprecated || got.DeprecatedAt == nil {
		t.Error("expected kind to be deprecated with a timestamp")
	}

	kinds, err := s.ListKinds(ctx(), catalog.ListOpts{})
	if err != nil {
		t.Fatalf("ListKinds: %v", err)
	}
	if len(kinds) != 0 {
		t.Errorf("deprecated kind listed by default: %d", len(kinds))
	}
}

func TestResolveMatchesActiveOnly(t *testing.T) {
	s := setupStore(t)

	active := testSubscription("t1", "invoice.*")
	if err := s.CreateSubscription(ctx(), active); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	paused := testSubscription("t1", "invoice.created")
	paused.Status = subscription.StatusPaused
	if err := s.CreateSubscription(ctx(), paused); err != nil {
		t.Fatalf("CreateSubscription paused: %v", err)
	}

	otherTenant := testSubscription("t2", "invoice.created")
	if err := s.CreateSubscription(ctx(), otherTenant); err != nil {
		t.Fatalf("CreateSubscription other tenant: %v", err)
	}

	subs, err := s.Resolve(ctx(), "t1", "invoice.created")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != active.ID {
		t.Fatalf("expected only the active t1 subscription, got %d", len(subs))
	}
	if subs[0].Secret != active.Secret {
		t.Error("secret did not round-trip through the store")
	}
}

func TestRecordFailureDisablesAtThreshold(t *testing.T) {
	s := setupStore(t)

	sub := testSubscription("t1", "invoice.created")
	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	at := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		count, err := s.RecordFailure(ctx(), sub.ID, at, 3)
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if count != i {
			t.Errorf("RecordFailure %d: count = %d", i, count)
		}
	}

	got, err := s.GetSubscription(ctx(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Status != subscription.StatusDisabledByFailures {
		t.Errorf("status = %s, want %s", got.Status, subscription.StatusDisabledByFailures)
	}
	if got.LastFailureAt == nil {
		t.Error("LastFailureAt not stamped")
	}

	// The disabled subscription must drop out of resolution.
	subs, err := s.Resolve(ctx(), "t1", "invoice.created")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("disabled subscription still resolves: %d", len(subs))
	}
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	s := setupStore(t)

	sub := testSubscription("t1", "invoice.created")
	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	at := time.Now().UTC()
	if _, err := s.RecordFailure(ctx(), sub.ID, at, 10); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := s.RecordSuccess(ctx(), sub.ID, at); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	got, err := s.GetSubscription(ctx(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", got.ConsecutiveFailures)
	}
	if got.LastSuccessAt == nil {
		t.Error("LastSuccessAt not stamped")
	}
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	s := setupStore(t)

	first := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		Kind:           "invoice.created",
		TenantID:       "t1",
		OccurredAt:     time.Now().UTC(),
		Payload:        map[string]any{"invoice_id": "inv_1"},
		IdempotencyKey: "key-1",
	}
	if err := s.CreateEvent(ctx(), first); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	dup := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		Kind:           "invoice.created",
		TenantID:       "t1",
		OccurredAt:     time.Now().UTC(),
		IdempotencyKey: "key-1",
	}
	err := s.CreateEvent(ctx(), dup)
	if !errors.Is(err, courier.ErrDuplicateIdempotencyKey) {
		t.Fatalf("CreateEvent dup: err = %v, want ErrDuplicateIdempotencyKey", err)
	}
}

func TestDequeueClaimsOnce(t *testing.T) {
	s := setupStore(t)

	sub := testSubscription("t1", "invoice.created")
	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	d := testDelivery(sub)
	if err := s.Enqueue(ctx(), d); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := s.Dequeue(ctx(), 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(first) != 1 || first[0].ID != d.ID {
		t.Fatalf("first Dequeue: got %d deliveries", len(first))
	}

	second, err := s.Dequeue(ctx(), 10)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed delivery dequeued twice")
	}

	// Finishing the delivery removes it from the due queue entirely.
	now := time.Now().UTC()
	first[0].State = delivery.StateSucceeded
	first[0].DeliveredAt = &now
	if err := s.UpdateDelivery(ctx(), first[0]); err != nil {
		t.Fatalf("UpdateDelivery: %v", err)
	}
	n, err := s.CountActive(ctx())
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 0 {
		t.Errorf("CountActive = %d, want 0", n)
	}
}

func TestDequeueSkipsFutureRetries(t *testing.T) {
	s := setupStore(t)

	sub := testSubscription("t1", "invoice.created")
	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	d := testDelivery(sub)
	d.State = delivery.StateRetrying
	d.AttemptCount = 1
	d.NextAttemptAt = &future
	if err := s.Enqueue(ctx(), d); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := s.Dequeue(ctx(), 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("future retry dequeued early")
	}

	// Still counts as active work.
	n, err := s.CountActive(ctx())
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 1 {
		t.Errorf("CountActive = %d, want 1", n)
	}
}

func TestUpdateDeliveryReleasesClaim(t *testing.T) {
	s := setupStore(t)

	sub := testSubscription("t1", "invoice.created")
	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	d := testDelivery(sub)
	if err := s.Enqueue(ctx(), d); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := s.Dequeue(ctx(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Dequeue: %v (%d)", err, len(claimed))
	}

	// A retry scheduled in the past becomes immediately due again.
	past := time.Now().UTC().Add(-time.Second)
	claimed[0].State = delivery.StateRetrying
	claimed[0].AttemptCount = 1
	claimed[0].NextAttemptAt = &past
	if err := s.UpdateDelivery(ctx(), claimed[0]); err != nil {
		t.Fatalf("UpdateDelivery: %v", err)
	}

	again, err := s.Dequeue(ctx(), 1)
	if err != nil {
		t.Fatalf("Dequeue after release: %v", err)
	}
	if len(again) != 1 || again[0].ID != d.ID {
		t.Fatalf("released delivery not dequeued again")
	}
}

func TestDLQReplayCreatesFreshDelivery(t *testing.T) {
	s := setupStore(t)

	sub := testSubscription("t1", "invoice.created")
	sub.MaxAttempts = 5
	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	entry := &dlq.Entry{
		Entity:         entity.New(),
		ID:             id.NewDLQID(),
		DeliveryID:     id.NewDeliveryID(),
		EventID:        id.NewEventID(),
		SubscriptionID: sub.ID,
		EventKind:      "invoice.created",
		TenantID:       "t1",
		URL:            sub.URL,
		Payload:        json.RawMessage(`{"id":"evt_x"}`),
		Error:          "unexpected status 500",
		AttemptCount:   3,
		FailedAt:       time.Now().UTC(),
	}
	if err := s.Push(ctx(), entry); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := s.Replay(ctx(), entry.ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	got, err := s.GetDLQ(ctx(), entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not stamped")
	}

	ds, err := s.ListByEvent(ctx(), entry.EventID)
	if err != nil {
		t.Fatalf("ListByEvent: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("expected 1 replayed delivery, got %d", len(ds))
	}
	if ds[0].MaxAttempts != 5 {
		t.Errorf("replayed MaxAttempts = %d, want the subscription's current 5", ds[0].MaxAttempts)
	}
	if ds[0].State != delivery.StatePending || ds[0].AttemptCount != 0 {
		t.Error("replayed delivery is not a fresh pending delivery")
	}

	// Bulk replay skips already-replayed entries.
	n, err := s.ReplayBulk(ctx(), entry.FailedAt.Add(-time.Hour), entry.FailedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReplayBulk: %v", err)
	}
	if n != 0 {
		t.Errorf("ReplayBulk replayed %d entries, want 0", n)
	}
}

func TestDLQReplayMissingSubscription(t *testing.T) {
	s := setupStore(t)

	entry := &dlq.Entry{
		Entity:         entity.New(),
		ID:             id.NewDLQID(),
		DeliveryID:     id.NewDeliveryID(),
		EventID:        id.NewEventID(),
		SubscriptionID: id.NewSubscriptionID(),
		EventKind:      "invoice.created",
		TenantID:       "t1",
		Payload:        json.RawMessage(`{}`),
		Error:          "timeout after 5s",
		AttemptCount:   3,
		FailedAt:       time.Now().UTC(),
	}
	if err := s.Push(ctx(), entry); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := s.Replay(ctx(), entry.ID); !errors.Is(err, courier.ErrSubscriptionNotFound) {
		t.Fatalf("Replay: err = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestPurgeRemovesOldEntries(t *testing.T) {
	s := setupStore(t)

	old := &dlq.Entry{
		Entity:         entity.New(),
		ID:             id.NewDLQID(),
		DeliveryID:     id.NewDeliveryID(),
		EventID:        id.NewEventID(),
		SubscriptionID: id.NewSubscriptionID(),
		TenantID:       "t1",
		Payload:        json.RawMessage(`{}`),
		FailedAt:       time.Now().UTC().Add(-48 * time.Hour),
	}
	recent := &dlq.Entry{
		Entity:         entity.New(),
		ID:             id.NewDLQID(),
		DeliveryID:     id.NewDeliveryID(),
		EventID:        id.NewEventID(),
		SubscriptionID: id.NewSubscriptionID(),
		TenantID:       "t1",
		Payload:        json.RawMessage(`{}`),
		FailedAt:       time.Now().UTC(),
	}
	for _, e := range []*dlq.Entry{old, recent} {
		if err := s.Push(ctx(), e); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	n, err := s.Purge(ctx(), time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("Purge removed %d entries, want 1", n)
	}

	total, err := s.CountDLQ(ctx())
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if total != 1 {
		t.Errorf("CountDLQ = %d, want 1", total)
	}
}
