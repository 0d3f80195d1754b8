package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/store/memory"
	"github.com/hookline/courier/subscription"
)

// stubDLQ records pushed deliveries.
type stubDLQ struct {
	count atomic.Int32
}

func (s *stubDLQ) PushFailed(_ context.Context, _ *delivery.Delivery, _ *subscription.Subscription) error {
	s.count.Add(1)
	return nil
}

func setupEngine(t *testing.T, handler http.Handler, dlq delivery.DLQPusher) (*memory.Store, *delivery.Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	store := memory.New()
	cfg := delivery.EngineConfig{
		Concurrency:   2,
		PollInterval:  50 * time.Millisecond,
		BatchSize:     10,
		RetrySchedule: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}

	engine := delivery.NewEngine(store, dlq, cfg, nil)
	return store, engine, srv
}

func createTestData(t *testing.T, store *memory.Store, url string) (*subscription.Subscription, *delivery.Delivery) {
	t.Helper()
	ctx := context.Background()

	sub := &subscription.Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    "tenant-1",
		URL:         url,
		Secret:      "whsec_test_secret_1234567890abcdef1234567890abcdef",
		EventKinds:  []string{"test.event"},
		Status:      subscription.StatusActive,
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	del := &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		SubscriptionID: sub.ID,
		EventID:        id.NewEventID(),
		EventKind:      "test.event",
		Payload:        json.RawMessage(`{"id":"evt_1","type":"test.event","timestamp":"2025-01-01T00:00:00Z","data":{"hello":"world"}}`),
		State:          delivery.StatePending,
		AttemptCount:   0,
		MaxAttempts:    3,
	}
	if err := store.Enqueue(ctx, del); err != nil {
		t.Fatal(err)
	}

	return sub, del
}

func waitForState(t *testing.T, store *memory.Store, delID id.ID, want delivery.State) *delivery.Delivery {
	t.Helper()
	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for delivery to reach %s", want)
		default:
		}

		got, err := store.GetDelivery(ctx, delID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == want {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEngineDeliversSuccessfully(t *testing.T) {
	var delivered atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)
	defer srv.Close()

	sub, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	got := waitForState(t, store, del.ID, delivery.StateSucceeded)
	engine.Stop(ctx)

	if delivered.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered.Load())
	}
	if dlq.count.Load() != 0 {
		t.Fatal("expected no DLQ pushes")
	}
	if got.DeliveredAt == nil {
		t.Fatal("expected DeliveredAt to be stamped")
	}
	if got.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", got.AttemptCount)
	}

	// Success resets the subscription health counter.
	subGot, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if subGot.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0", subGot.ConsecutiveFailures)
	}
	if subGot.LastSuccessAt == nil {
		t.Fatal("expected LastSuccessAt to be stamped")
	}
}

func TestEngineRetriesAndSucceeds(t *testing.T) {
	var attempts atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count := attempts.Add(1)
		if count < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)
	defer srv.Close()

	sub, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	got := waitForState(t, store, del.ID, delivery.StateSucceeded)
	engine.Stop(ctx)

	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
	if got.AttemptCount != 3 {
		t.Fatalf("AttemptCount = %d, want 3", got.AttemptCount)
	}

	// The success wipes the two interim failures from the health counter.
	subGot, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if subGot.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0", subGot.ConsecutiveFailures)
	}
	if dlq.count.Load() != 0 {
		t.Fatal("expected no DLQ pushes")
	}
}

func TestEngineClientErrorRetries(t *testing.T) {
	// 4xx responses retry like any other failure; the health counter handles
	// permanently broken receivers instead of per-status classification.
	var attempts atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count := attempts.Add(1)
		if count < 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler, &stubDLQ{})
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	waitForState(t, store, del.ID, delivery.StateSucceeded)
	engine.Stop(ctx)

	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestEngineExhaustsBudgetAndDLQs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	dlqPusher := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlqPusher)
	defer srv.Close()

	sub, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	got := waitForState(t, store, del.ID, delivery.StateFailed)
	engine.Stop(ctx)

	if got.AttemptCount != got.MaxAttempts {
		t.Fatalf("AttemptCount = %d, want %d", got.AttemptCount, got.MaxAttempts)
	}
	if dlqPusher.count.Load() != 1 {
		t.Fatalf("expected 1 DLQ push, got %d", dlqPusher.count.Load())
	}

	// Each failed attempt counted against subscription health.
	subGot, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if subGot.ConsecutiveFailures != 3 {
		t.Fatalf("ConsecutiveFailures = %d, want 3", subGot.ConsecutiveFailures)
	}
}

func TestEngineFanoutOutcomesIndependent(t *testing.T) {
	// Two subscribers to the same event: one healthy receiver, one broken.
	// Each delivery runs its own attempt loop, so one succeeds while the
	// other exhausts its budget, and the health counters never cross over.
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	dlqPusher := &stubDLQ{}
	store := memory.New()
	engine := delivery.NewEngine(store, dlqPusher, delivery.EngineConfig{
		Concurrency:   2,
		PollInterval:  50 * time.Millisecond,
		BatchSize:     10,
		RetrySchedule: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}, nil)

	okSub, okDel := createTestData(t, store, okSrv.URL)
	failSub, failDel := createTestData(t, store, failSrv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	gotOK := waitForState(t, store, okDel.ID, delivery.StateSucceeded)
	gotFail := waitForState(t, store, failDel.ID, delivery.StateFailed)
	engine.Stop(ctx)

	if gotOK.AttemptCount != 1 {
		t.Fatalf("healthy delivery AttemptCount = %d, want 1", gotOK.AttemptCount)
	}
	if gotFail.AttemptCount != gotFail.MaxAttempts {
		t.Fatalf("broken delivery AttemptCount = %d, want %d", gotFail.AttemptCount, gotFail.MaxAttempts)
	}

	// Only the broken subscriber reaches the DLQ.
	if dlqPusher.count.Load() != 1 {
		t.Fatalf("expected 1 DLQ push, got %d", dlqPusher.count.Load())
	}

	okGot, err := store.GetSubscription(ctx, okSub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if okGot.ConsecutiveFailures != 0 {
		t.Fatalf("healthy sub ConsecutiveFailures = %d, want 0", okGot.ConsecutiveFailures)
	}
	if okGot.LastSuccessAt == nil {
		t.Fatal("expected LastSuccessAt on the healthy subscription")
	}

	failGot, err := store.GetSubscription(ctx, failSub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if failGot.ConsecutiveFailures != 3 {
		t.Fatalf("broken sub ConsecutiveFailures = %d, want 3", failGot.ConsecutiveFailures)
	}
	if failGot.Status != subscription.StatusActive {
		t.Fatalf("broken sub status = %s, want active (below the disable threshold)", failGot.Status)
	}
}

func TestEngineAutoDisablesSubscription(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	store := memory.New()
	engine := delivery.NewEngine(store, &stubDLQ{}, delivery.EngineConfig{
		Concurrency:      2,
		PollInterval:     50 * time.Millisecond,
		BatchSize:        10,
		RetrySchedule:    []time.Duration{time.Millisecond},
		DisableThreshold: 3,
	}, nil)

	sub, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	// 3 failed attempts reach the threshold.
	waitForState(t, store, del.ID, delivery.StateFailed)
	engine.Stop(ctx)

	subGot, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if subGot.Status != subscription.StatusDisabledByFailures {
		t.Fatalf("status = %s, want %s", subGot.Status, subscription.StatusDisabledByFailures)
	}
}

func TestEngineDeletedSubscriptionFinalizes(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler, &stubDLQ{})
	defer srv.Close()

	sub, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	if err := store.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}

	engine.Start(ctx)

	got := waitForState(t, store, del.ID, delivery.StateFailed)
	engine.Stop(ctx)

	if got.LastError != "subscription no longer exists" {
		t.Fatalf("LastError = %q", got.LastError)
	}
}

func TestEngineWake(t *testing.T) {
	var delivered atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	store := memory.New()
	// Long poll interval: only Wake can trigger a prompt dequeue.
	engine := delivery.NewEngine(store, nil, delivery.EngineConfig{
		Concurrency:  2,
		PollInterval: time.Hour,
		BatchSize:    10,
	}, nil)

	_, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)
	engine.Wake()

	waitForState(t, store, del.ID, delivery.StateSucceeded)
	engine.Stop(ctx)

	if delivered.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered.Load())
	}
}

func TestEngineGracefulShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler, nil)
	defer srv.Close()

	ctx := context.Background()

	for range 5 {
		createTestData(t, store, srv.URL)
	}

	engine.Start(ctx)

	// Give the engine a moment to start processing.
	time.Sleep(200 * time.Millisecond)

	// Stop should wait for in-flight work.
	engine.Stop(ctx)

	active, err := store.CountActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("active after shutdown: %d", active)
}

func TestEngineNilDLQ(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	store, engine, srv := setupEngine(t, handler, nil)
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	waitForState(t, store, del.ID, delivery.StateFailed)
	engine.Stop(ctx)
}
