// Package subscription manages webhook subscriptions and their delivery health.
package subscription

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/signature"
)

// Defaults holds the fallback delivery configuration applied when an Input
// leaves MaxAttempts or Timeout unset.
type Defaults struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Service provides subscription management operations.
type Service struct {
	store    Store
	defaults Defaults
	logger   *slog.Logger
}

// NewService creates a new subscription service.
func NewService(store Store, defaults Defaults, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// Create registers a new webhook subscription. The signing secret is
// generated here and returned on the Subscription exactly once; it is never
// serialized or re-exposed afterwards.
func (svc *Service) Create(ctx context.Context, in Input) (*Subscription, error) {
	if in.TenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Message: "required"}
	}

	if _, err := url.ParseRequestURI(in.URL); err != nil {
		return nil, &ValidationError{Field: "url", Message: "invalid URL"}
	}

	if len(in.EventKinds) == 0 {
		return nil, &ValidationError{Field: "event_kinds", Message: "at least one event kind required"}
	}

	sub := &Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    in.TenantID,
		URL:         in.URL,
		Description: in.Description,
		Secret:      signature.GenerateSecret(),
		EventKinds:  in.EventKinds,
		Status:      StatusActive,
		MaxAttempts: clampAttempts(in.MaxAttempts, svc.defaults.MaxAttempts),
		Timeout:     clampTimeout(in.Timeout, svc.defaults.Timeout),
		Headers:     in.Headers,
		RateLimit:   in.RateLimit,
		Metadata:    in.Metadata,
	}

	if err := svc.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

// Get returns a subscription by ID.
func (svc *Service) Get(ctx context.Context, subID id.ID) (*Subscription, error) {
	return svc.store.GetSubscription(ctx, subID)
}

// Update modifies an existing subscription. The secret and the lifecycle
// status are not updatable through this path.
func (svc *Service) Update(ctx context.Context, subID id.ID, in Input) (*Subscription, error) {
	sub, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}

	if in.URL != "" {
		if _, err := url.ParseRequestURI(in.URL); err != nil {
			return nil, &ValidationError{Field: "url", Message: "invalid URL"}
		}
		sub.URL = in.URL
	}
	if in.Description != "" {
		sub.Description = in.Description
	}
	if len(in.EventKinds) > 0 {
		sub.EventKinds = in.EventKinds
	}
	if in.MaxAttempts > 0 {
		sub.MaxAttempts = clampAttempts(in.MaxAttempts, svc.defaults.MaxAttempts)
	}
	if in.Timeout > 0 {
		sub.Timeout = clampTimeout(in.Timeout, svc.defaults.Timeout)
	}
	if in.Headers != nil {
		sub.Headers = in.Headers
	}
	if in.RateLimit >= 0 {
		sub.RateLimit = in.RateLimit
	}
	if in.Metadata != nil {
		sub.Metadata = in.Metadata
	}

	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

// Delete removes a subscription. Delivery history is retained.
func (svc *Service) Delete(ctx context.Context, subID id.ID) error {
	return svc.store.DeleteSubscription(ctx, subID)
}

// List returns subscriptions for a tenant.
func (svc *Service) List(ctx context.Context, tenantID string, opts ListOpts) ([]*Subscription, error) {
	return svc.store.ListSubscriptions(ctx, tenantID, opts)
}

// Pause suspends dispatch to a subscription without deleting it.
func (svc *Service) Pause(ctx context.Context, subID id.ID) error {
	return svc.store.SetStatus(ctx, subID, StatusPaused)
}

// Resume reactivates a paused or auto-disabled subscription and clears its
// consecutive-failure counter so it starts with a clean slate.
func (svc *Service) Resume(ctx context.Context, subID id.ID) error {
	sub, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}

	sub.Status = StatusActive
	sub.ConsecutiveFailures = 0
	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	svc.logger.InfoContext(ctx, "subscription resumed", "subscription_id", subID)
	return nil
}

func clampAttempts(n, def int) int {
	if n == 0 {
		n = def
	}
	if n < MinAttempts {
		return MinAttempts
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

func clampTimeout(d, def time.Duration) time.Duration {
	if d == 0 {
		d = def
	}
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "subscription validation: " + e.Field + ": " + e.Message
}
