package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/signature"
	"github.com/hookline/courier/subscription"
)

func testSubscription(url string) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    "t1",
		URL:         url,
		Secret:      "whsec_test_secret_1234567890abcdef1234567890abcdef",
		EventKinds:  []string{"test.event"},
		Status:      subscription.StatusActive,
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
	}
}

func testDelivery() *delivery.Delivery {
	return &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     id.NewEventID(),
		EventKind:   "test.event",
		Payload:     json.RawMessage(`{"id":"evt_1","type":"test.event","timestamp":"2025-01-01T00:00:00Z","data":{"hello":"world"}}`),
		State:       delivery.StatePending,
		MaxAttempts: 3,
	}
}

func TestSendSetsHeaders(t *testing.T) {
	var gotReq *http.Request
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscription(srv.URL)
	sub.Headers = map[string]string{"X-Custom": "value"}
	d := testDelivery()

	sender := delivery.NewSender()
	res := sender.Send(context.Background(), sub, d)

	if !res.Success() {
		t.Fatalf("expected success, got %+v", res)
	}

	if ct := gotReq.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := gotReq.Header.Get("User-Agent"); ua != "Courier/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
	if ev := gotReq.Header.Get("X-Courier-Event"); ev != "test.event" {
		t.Errorf("X-Courier-Event = %q", ev)
	}
	if did := gotReq.Header.Get("X-Courier-Delivery-ID"); did != d.ID.String() {
		t.Errorf("X-Courier-Delivery-ID = %q", did)
	}
	if eid := gotReq.Header.Get("X-Courier-Event-ID"); eid != d.EventID.String() {
		t.Errorf("X-Courier-Event-ID = %q", eid)
	}
	if custom := gotReq.Header.Get("X-Custom"); custom != "value" {
		t.Errorf("custom header = %q", custom)
	}

	// Signature must verify against the exact received body.
	sig := gotReq.Header.Get("X-Courier-Signature")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature format = %q", sig)
	}
	if !signature.Verify(gotBody, sub.Secret, sig) {
		t.Error("signature does not verify against received body")
	}

	// The body is the payload snapshot, byte for byte.
	if string(gotBody) != string(d.Payload) {
		t.Errorf("body = %q, want payload snapshot", gotBody)
	}
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscription(srv.URL)
	sub.Timeout = 50 * time.Millisecond

	sender := delivery.NewSender()
	res := sender.Send(context.Background(), sub, testDelivery())

	if res.Success() {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Error, "timeout after") {
		t.Errorf("error = %q, want timeout message", res.Error)
	}
}

func TestSendNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := delivery.NewSender()
	res := sender.Send(context.Background(), testSubscription(srv.URL), testDelivery())

	if res.Success() {
		t.Fatal("expected failure")
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", res.StatusCode)
	}
	if res.Error != "unexpected status 500" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestSendConnectionRefused(t *testing.T) {
	// A server that is immediately closed leaves a port nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	sender := delivery.NewSender()
	res := sender.Send(context.Background(), testSubscription(url), testDelivery())

	if res.Success() {
		t.Fatal("expected failure")
	}
	if res.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for transport error", res.StatusCode)
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}

func TestSendCapsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()

	sender := delivery.NewSender()
	res := sender.Send(context.Background(), testSubscription(srv.URL), testDelivery())

	if len(res.Response) > 1000 {
		t.Errorf("response body length = %d, want <= 1000", len(res.Response))
	}
}
