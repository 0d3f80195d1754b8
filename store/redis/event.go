package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hookline/courier"
	"github.com/hookline/courier/event"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
)

// eventModel is the JSON representation stored in Redis. The payload is
// kept as raw JSON so it round-trips byte-for-byte.
type eventModel struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	TenantID       string          `json:"tenant_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toEventModel(evt *event.Event) (*eventModel, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &eventModel{
		ID:             evt.ID.String(),
		Kind:           evt.Kind,
		TenantID:       evt.TenantID,
		OccurredAt:     evt.OccurredAt,
		Payload:        payload,
		IdempotencyKey: evt.IdempotencyKey,
		CreatedAt:      evt.CreatedAt,
		UpdatedAt:      evt.UpdatedAt,
	}, nil
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}
	var payload any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	return &event.Event{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             evtID,
		Kind:           m.Kind,
		TenantID:       m.TenantID,
		OccurredAt:     m.OccurredAt,
		Payload:        payload,
		IdempotencyKey: m.IdempotencyKey,
	}, nil
}

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m, err := toEventModel(evt)
	if err != nil {
		return fmt.Errorf("courier/redis: create event: %w", err)
	}

	// The idempotency claim must land before the event body: SETNX is the
	// uniqueness check.
	if m.IdempotencyKey != "" {
		ok, err := s.rdb.SetNX(ctx, uniqueEventIdem+m.IdempotencyKey, m.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("courier/redis: create event: %w", err)
		}
		if !ok {
			return courier.ErrDuplicateIdempotencyKey
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("courier/redis: marshal event: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, entityKey(prefixEvent, m.ID), raw, 0)
	pipe.ZAdd(ctx, zEventAll, goredis.Z{Score: scoreFromTime(m.OccurredAt), Member: m.ID})
	pipe.ZAdd(ctx, zEventTenant+m.TenantID, goredis.Z{Score: scoreFromTime(m.OccurredAt), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	var m eventModel
	if err := s.getEntity(ctx, entityKey(prefixEvent, evtID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, courier.ErrEventNotFound
		}
		return nil, fmt.Errorf("courier/redis: get event: %w", err)
	}
	return fromEventModel(&m)
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEventsFromIndex(ctx, zEventAll, opts)
}

func (s *Store) ListEventsByTenant(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEventsFromIndex(ctx, zEventTenant+tenantID, opts)
}

func (s *Store) listEventsFromIndex(ctx context.Context, index string, opts event.ListOpts) ([]*event.Event, error) {
	min, max := "-inf", "+inf"
	if opts.From != nil {
		min = fmt.Sprintf("%f", scoreFromTime(*opts.From))
	}
	if opts.To != nil {
		max = fmt.Sprintf("%f", scoreFromTime(*opts.To))
	}

	ids, err := s.rdb.ZRangeByScore(ctx, index, &goredis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list events: %w", err)
	}

	result := make([]*event.Event, 0, len(ids))
	for _, evtID := range ids {
		var m eventModel
		if err := s.getEntity(ctx, entityKey(prefixEvent, evtID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.Kind != "" && m.Kind != opts.Kind {
			continue
		}
		evt, err := fromEventModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, evt)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}
