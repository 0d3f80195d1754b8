// Package memory provides an in-memory Store implementation for unit testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hookline/courier"
	"github.com/hookline/courier/catalog"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/dlq"
	"github.com/hookline/courier/event"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	courierstore "github.com/hookline/courier/store"
	"github.com/hookline/courier/subscription"
)

// compile-time interface check.
var _ courierstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for testing.
type Store struct {
	mu sync.RWMutex

	kinds           map[string]*catalog.Kind               // keyed by name
	kindsByID       map[string]*catalog.Kind               // keyed by ID string
	subscriptions   map[string]*subscription.Subscription  // keyed by ID string
	events          map[string]*event.Event                // keyed by ID string
	eventsByIdemKey map[string]*event.Event                // keyed by idempotency key
	deliveries      map[string]*delivery.Delivery          // keyed by ID string
	locked          map[string]bool                        // simulates SKIP LOCKED
	dlqEntries      map[string]*dlq.Entry                  // keyed by ID string

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		kinds:           make(map[string]*catalog.Kind),
		kindsByID:       make(map[string]*catalog.Kind),
		subscriptions:   make(map[string]*subscription.Subscription),
		events:          make(map[string]*event.Event),
		eventsByIdemKey: make(map[string]*event.Event),
		deliveries:      make(map[string]*delivery.Delivery),
		locked:          make(map[string]bool),
		dlqEntries:      make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op for the in-memory store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return courier.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// catalog.Store
// ──────────────────────────────────────────────────

// RegisterKind creates or updates an event kind definition (upsert by name).
func (s *Store) RegisterKind(_ context.Context, k *catalog.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.kinds[k.Definition.Name]; ok {
		existing.Definition = k.Definition
		existing.UpdatedAt = time.Now().UTC()
		existing.Metadata = k.Metadata
		k.ID = existing.ID
		return nil
	}

	s.kinds[k.Definition.Name] = k
	s.kindsByID[k.ID.String()] = k
	return nil
}

// GetKind returns an event kind by name. Deprecated kinds are returned too;
// callers decide how to treat them.
func (s *Store) GetKind(_ context.Context, name string) (*catalog.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.kinds[name]
	if !ok {
		return nil, courier.ErrEventKindNotFound
	}
	return k, nil
}

// GetKindByID returns an event kind by its TypeID.
func (s *Store) GetKindByID(_ context.Context, kindID id.ID) (*catalog.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.kindsByID[kindID.String()]
	if !ok {
		return nil, courier.ErrEventKindNotFound
	}
	return k, nil
}

// ListKinds returns all registered event kinds, optionally filtered.
func (s *Store) ListKinds(_ context.Context, opts catalog.ListOpts) ([]*catalog.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*catalog.Kind, 0, len(s.kinds))
	for _, k := range s.kinds {
		if !opts.IncludeDeprecated && k.IsDeprecated {
			continue
		}
		if opts.Group != "" && k.Definition.Group != opts.Group {
			continue
		}
		result = append(result, k)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Definition.Name < result[j].Definition.Name
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// DeleteKind soft-deletes (deprecates) an event kind.
func (s *Store) DeleteKind(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.kinds[name]
	if !ok {
		return courier.ErrEventKindNotFound
	}

	now := time.Now().UTC()
	k.IsDeprecated = true
	k.DeprecatedAt = &now
	k.UpdatedAt = now
	return nil
}

// ──────────────────────────────────────────────────
// subscription.Store
// ──────────────────────────────────────────────────

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.ID.String()] = sub
	return nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(_ context.Context, subID id.ID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return nil, courier.ErrSubscriptionNotFound
	}
	return sub, nil
}

// UpdateSubscription modifies an existing subscription.
func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID.String()]; !ok {
		return courier.ErrSubscriptionNotFound
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.ID.String()] = sub
	return nil
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(_ context.Context, subID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[subID.String()]; !ok {
		return courier.ErrSubscriptionNotFound
	}
	delete(s.subscriptions, subID.String())
	return nil
}

// ListSubscriptions returns subscriptions for a tenant, optionally filtered.
func (s *Store) ListSubscriptions(_ context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.TenantID != tenantID {
			continue
		}
		if opts.Status != nil && sub.Status != *opts.Status {
			continue
		}
		result = append(result, sub)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// Resolve finds all ACTIVE subscriptions whose kind set matches the event kind.
func (s *Store) Resolve(_ context.Context, tenantID, kind string) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.TenantID != tenantID || !sub.Active() {
			continue
		}
		if catalog.MatchAny(sub.EventKinds, kind) {
			result = append(result, sub)
		}
	}
	return result, nil
}

// SetStatus transitions a subscription's lifecycle state.
func (s *Store) SetStatus(_ context.Context, subID id.ID, status subscription.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return courier.ErrSubscriptionNotFound
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkTriggered stamps LastTriggeredAt on the given subscriptions.
func (s *Store) MarkTriggered(_ context.Context, subIDs []id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subID := range subIDs {
		if sub, ok := s.subscriptions[subID.String()]; ok {
			t := at
			sub.LastTriggeredAt = &t
		}
	}
	return nil
}

// RecordSuccess resets the consecutive-failure counter and stamps LastSuccessAt.
// Atomic: the mutation happens under the store lock.
func (s *Store) RecordSuccess(_ context.Context, subID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return courier.ErrSubscriptionNotFound
	}

	t := at
	sub.ConsecutiveFailures = 0
	sub.LastSuccessAt = &t
	sub.UpdatedAt = at
	return nil
}

// RecordFailure increments the consecutive-failure counter, stamps
// LastFailureAt, and disables the subscription once the counter reaches
// disableAfter. Atomic: the mutation happens under the store lock.
func (s *Store) RecordFailure(_ context.Context, subID id.ID, at time.Time, disableAfter int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return 0, courier.ErrSubscriptionNotFound
	}

	t := at
	sub.ConsecutiveFailures++
	sub.LastFailureAt = &t
	sub.UpdatedAt = at

	if disableAfter > 0 && sub.ConsecutiveFailures >= disableAfter && sub.Status == subscription.StatusActive {
		sub.Status = subscription.StatusDisabledByFailures
	}

	return sub.ConsecutiveFailures, nil
}

// ──────────────────────────────────────────────────
// event.Store
// ──────────────────────────────────────────────────

// CreateEvent persists an event. Returns ErrDuplicateIdempotencyKey on conflict.
func (s *Store) CreateEvent(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.IdempotencyKey != "" {
		if _, ok := s.eventsByIdemKey[evt.IdempotencyKey]; ok {
			return courier.ErrDuplicateIdempotencyKey
		}
		s.eventsByIdemKey[evt.IdempotencyKey] = evt
	}

	s.events[evt.ID.String()] = evt
	return nil
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(_ context.Context, evtID id.ID) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, ok := s.events[evtID.String()]
	if !ok {
		return nil, courier.ErrEventNotFound
	}
	return evt, nil
}

// ListEvents returns events, optionally filtered.
func (s *Store) ListEvents(_ context.Context, opts event.ListOpts) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Event, 0, len(s.events))
	for _, evt := range s.events {
		if !matchEventOpts(evt, opts) {
			continue
		}
		result = append(result, evt)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// ListEventsByTenant returns events for a specific tenant.
func (s *Store) ListEventsByTenant(_ context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Event, 0, len(s.events))
	for _, evt := range s.events {
		if evt.TenantID != tenantID {
			continue
		}
		if !matchEventOpts(evt, opts) {
			continue
		}
		result = append(result, evt)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// Enqueue creates a delivery.
func (s *Store) Enqueue(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[d.ID.String()] = d
	return nil
}

// EnqueueBatch creates multiple deliveries atomically.
func (s *Store) EnqueueBatch(_ context.Context, ds []*delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range ds {
		s.deliveries[d.ID.String()] = d
	}
	return nil
}

// copyDelivery returns a shallow copy of the delivery.
func copyDelivery(d *delivery.Delivery) *delivery.Delivery {
	cp := *d
	return &cp
}

// Dequeue fetches due deliveries and locks them against concurrent dispatch.
// Returns copies so callers can mutate without holding a lock.
func (s *Store) Dequeue(_ context.Context, limit int) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	candidates := make([]*delivery.Delivery, 0, len(s.deliveries))

	for _, d := range s.deliveries {
		if !d.Due(now) {
			continue
		}
		if s.locked[d.ID.String()] {
			continue
		}
		candidates = append(candidates, d)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return dueTime(candidates[i]).Before(dueTime(candidates[j]))
	})

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	result := make([]*delivery.Delivery, 0, len(candidates))
	for _, d := range candidates {
		s.locked[d.ID.String()] = true
		result = append(result, copyDelivery(d))
	}

	return result, nil
}

// dueTime orders deliveries for dequeue: fresh pending (no retry timestamp)
// sorts by creation time, retrying sorts by its scheduled attempt time.
func dueTime(d *delivery.Delivery) time.Time {
	if d.NextAttemptAt != nil {
		return *d.NextAttemptAt
	}
	return d.CreatedAt
}

// UpdateDelivery modifies a delivery and releases its lock.
func (s *Store) UpdateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliveries[d.ID.String()]; !ok {
		return courier.ErrDeliveryNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	s.deliveries[d.ID.String()] = d
	delete(s.locked, d.ID.String())
	return nil
}

// GetDelivery returns a copy of the delivery by ID.
func (s *Store) GetDelivery(_ context.Context, delID id.ID) (*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return nil, courier.ErrDeliveryNotFound
	}
	return copyDelivery(d), nil
}

// ListBySubscription returns delivery history for a subscription.
func (s *Store) ListBySubscription(_ context.Context, subID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*delivery.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if d.SubscriptionID.String() != subID.String() {
			continue
		}
		if opts.State != nil && d.State != *opts.State {
			continue
		}
		result = append(result, d)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// ListByEvent returns all deliveries for a specific event.
func (s *Store) ListByEvent(_ context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*delivery.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if d.EventID.String() != evtID.String() {
			continue
		}
		result = append(result, d)
	}
	return result, nil
}

// CountActive returns the number of deliveries awaiting an attempt.
func (s *Store) CountActive(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, d := range s.deliveries {
		if !d.State.Terminal() {
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// Push moves a permanently failed delivery into the DLQ.
func (s *Store) Push(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dlqEntries[entry.ID.String()] = entry
	return nil
}

// ListDLQ returns DLQ entries, optionally filtered.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(s.dlqEntries))
	for _, e := range s.dlqEntries {
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		if opts.SubscriptionID != nil && e.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.From != nil && e.FailedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && e.FailedAt.After(*opts.To) {
			continue
		}
		result = append(result, e)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// GetDLQ returns a DLQ entry by ID.
func (s *Store) GetDLQ(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return nil, courier.ErrDLQNotFound
	}
	return e, nil
}

// Replay re-enqueues a fresh delivery for a DLQ entry. The attempt budget is
// read from the subscription's current configuration.
func (s *Store) Replay(_ context.Context, dlqID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return courier.ErrDLQNotFound
	}

	return s.replayLocked(e)
}

// replayLocked re-enqueues one entry. Caller must hold the write lock.
func (s *Store) replayLocked(e *dlq.Entry) error {
	sub, ok := s.subscriptions[e.SubscriptionID.String()]
	if !ok {
		return courier.ErrSubscriptionNotFound
	}

	now := time.Now().UTC()
	e.ReplayedAt = &now

	d := &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		SubscriptionID: e.SubscriptionID,
		EventID:        e.EventID,
		EventKind:      e.EventKind,
		Payload:        e.Payload,
		State:          delivery.StatePending,
		AttemptCount:   0,
		MaxAttempts:    sub.MaxAttempts,
	}
	s.deliveries[d.ID.String()] = d
	return nil
}

// ReplayBulk replays all unreplayed DLQ entries in a time window.
func (s *Store) ReplayBulk(_ context.Context, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, e := range s.dlqEntries {
		if e.FailedAt.Before(from) || e.FailedAt.After(to) {
			continue
		}
		if e.ReplayedAt != nil {
			continue
		}
		if err := s.replayLocked(e); err != nil {
			continue // subscription deleted since the failure
		}
		count++
	}
	return count, nil
}

// Purge deletes DLQ entries older than a threshold.
func (s *Store) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, e := range s.dlqEntries {
		if e.CreatedAt.Before(before) {
			delete(s.dlqEntries, k)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.dlqEntries)), nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func matchEventOpts(evt *event.Event, opts event.ListOpts) bool {
	if opts.Kind != "" && evt.Kind != opts.Kind {
		return false
	}
	if opts.From != nil && evt.CreatedAt.Before(*opts.From) {
		return false
	}
	if opts.To != nil && evt.CreatedAt.After(*opts.To) {
		return false
	}
	return true
}

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) && offset > 0 {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
