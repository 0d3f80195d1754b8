package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAllow_Unlimited(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		if !l.Allow("sub-1", 0) {
			t.Fatal("Allow(0) should always return true")
		}
	}
}

func TestAllow_RateLimited(t *testing.T) {
	l := New()
	subID := "sub-limited"
	rateLimit := 2

	// First two should be allowed (bucket starts full).
	if !l.Allow(subID, rateLimit) {
		t.Fatal("first call should be allowed")
	}
	if !l.Allow(subID, rateLimit) {
		t.Fatal("second call should be allowed")
	}

	// Third should be denied (bucket exhausted).
	if l.Allow(subID, rateLimit) {
		t.Fatal("third call should be denied")
	}
}

func TestAllow_Refills(t *testing.T) {
	l := New()
	subID := "sub-refill"
	rateLimit := 10 // 10 per second

	// Exhaust the bucket.
	for i := 0; i < 10; i++ {
		l.Allow(subID, rateLimit)
	}

	if l.Allow(subID, rateLimit) {
		t.Fatal("should be denied after exhausting bucket")
	}

	// Wait for refill.
	time.Sleep(200 * time.Millisecond)

	// Should be allowed again (at least 1 token refilled).
	if !l.Allow(subID, rateLimit) {
		t.Fatal("should be allowed after refill")
	}
}

func TestAllow_RateChangeRebuildsBucket(t *testing.T) {
	l := New()
	subID := "sub-reconfigured"

	// Exhaust a limit of 1.
	l.Allow(subID, 1)
	if l.Allow(subID, 1) {
		t.Fatal("should be denied at the old limit")
	}

	// The subscription was updated to 5/s: a fresh full bucket applies.
	for i := 0; i < 5; i++ {
		if !l.Allow(subID, 5) {
			t.Fatalf("call %d at the new limit should be allowed", i+1)
		}
	}
	if l.Allow(subID, 5) {
		t.Fatal("sixth call at the new limit should be denied")
	}
}

func TestAllow_UnlimitedDropsState(t *testing.T) {
	l := New()
	subID := "sub-unlimited-again"

	// Exhaust, then remove the limit, then re-enable it.
	l.Allow(subID, 1)
	if l.Allow(subID, 1) {
		t.Fatal("should be denied while limited")
	}
	if !l.Allow(subID, 0) {
		t.Fatal("unlimited should always be allowed")
	}
	if !l.Allow(subID, 1) {
		t.Fatal("re-enabled limit should start from a full bucket")
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := New()
	subID := "sub-concurrent"
	rateLimit := 100

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow(subID, rateLimit)
		}()
	}

	wg.Wait()
	close(allowed)

	trueCount := 0
	for v := range allowed {
		if v {
			trueCount++
		}
	}

	// The bucket starts with 100 tokens, so at most 100 should be allowed.
	if trueCount > 100 {
		t.Fatalf("expected at most 100 allowed, got %d", trueCount)
	}
	if trueCount < 90 {
		// Due to timing/refill, we might get slightly more, but not significantly less.
		t.Fatalf("expected at least 90 allowed (timing), got %d", trueCount)
	}
}
