package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hookline/courier/signature"
	"github.com/hookline/courier/subscription"
)

const maxResponseBody = 1000 // cap on stored response body bytes

// Sender performs HTTP webhook delivery.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender. Per-attempt timeouts come from each
// subscription's configuration, so the shared client carries none.
func NewSender() *Sender {
	return &Sender{
		client: &http.Client{},
	}
}

// Send delivers a delivery's payload snapshot to its subscription and
// returns the result. The request is bounded by the subscription's
// per-attempt timeout; exceeding it is a failure with a synthetic error.
func (s *Sender) Send(ctx context.Context, sub *subscription.Subscription, d *Delivery) Result {
	ctx, cancel := context.WithTimeout(ctx, sub.Timeout)
	defer cancel()

	body := []byte(d.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("create request: %v", err)}
	}

	// Standard headers.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")
	req.Header.Set("X-Courier-Event", d.EventKind)
	req.Header.Set("X-Courier-Delivery-ID", d.ID.String())
	req.Header.Set("X-Courier-Event-ID", d.EventID.String())

	// HMAC signature over the exact raw body.
	req.Header.Set("X-Courier-Signature", signature.Sign(body, sub.Secret))

	// Custom subscription headers.
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req) //nolint:gosec // G704: URL is a user-configured webhook destination; SSRF is by design.
	latency := time.Since(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout after %s", sub.Timeout)
		}
		return Result{
			Error:     msg,
			LatencyMs: int(latency),
		}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if readErr != nil {
		return Result{
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("read response: %v", readErr),
			LatencyMs:  int(latency),
		}
	}

	res := Result{
		StatusCode: resp.StatusCode,
		Response:   string(respBody),
		LatencyMs:  int(latency),
	}
	if !res.Success() {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return res
}
