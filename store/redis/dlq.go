package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hookline/courier"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/dlq"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
)

func (s *Store) Push(ctx context.Context, e *dlq.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("courier/redis: push dlq entry: %w", err)
	}

	dlqID := e.ID.String()
	score := scoreFromTime(e.FailedAt)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, entityKey(prefixDLQ, dlqID), raw, 0)
	pipe.ZAdd(ctx, zDLQAll, goredis.Z{Score: score, Member: dlqID})
	pipe.ZAdd(ctx, zDLQTenant+e.TenantID, goredis.Z{Score: score, Member: dlqID})
	pipe.ZAdd(ctx, zDLQSub+e.SubscriptionID.String(), goredis.Z{Score: score, Member: dlqID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: push dlq entry: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	index := zDLQAll
	switch {
	case opts.SubscriptionID != nil:
		index = zDLQSub + opts.SubscriptionID.String()
	case opts.TenantID != "":
		index = zDLQTenant + opts.TenantID
	}

	min, max := "-inf", "+inf"
	if opts.From != nil {
		min = fmt.Sprintf("%f", scoreFromTime(*opts.From))
	}
	if opts.To != nil {
		max = fmt.Sprintf("%f", scoreFromTime(*opts.To))
	}

	ids, err := s.rdb.ZRangeByScore(ctx, index, &goredis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list dlq: %w", err)
	}

	result := make([]*dlq.Entry, 0, len(ids))
	for _, dlqID := range ids {
		e, err := s.getDLQEntry(ctx, dlqID)
		if err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		result = append(result, e)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	e, err := s.getDLQEntry(ctx, dlqID.String())
	if err != nil {
		if isRedisNil(err) {
			return nil, courier.ErrDLQNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *Store) Replay(ctx context.Context, dlqID id.ID) error {
	e, err := s.GetDLQ(ctx, dlqID)
	if err != nil {
		return err
	}
	return s.replayEntry(ctx, e)
}

func (s *Store) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	entries, err := s.ListDLQ(ctx, dlq.ListOpts{From: &from, To: &to})
	if err != nil {
		return 0, err
	}

	var count int64
	for _, e := range entries {
		if e.ReplayedAt != nil {
			continue
		}
		if err := s.replayEntry(ctx, e); err != nil {
			if errors.Is(err, courier.ErrSubscriptionNotFound) {
				continue // subscription deleted since the failure
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// replayEntry re-enqueues a fresh delivery for the entry's event and
// subscription. The new delivery takes the subscription's current attempt
// budget, and the entry stays behind with ReplayedAt stamped.
func (s *Store) replayEntry(ctx context.Context, e *dlq.Entry) error {
	sub, err := s.GetSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return err
	}

	ts := now()
	e.ReplayedAt = &ts
	e.UpdatedAt = ts
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("courier/redis: replay dlq entry: %w", err)
	}

	d := &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		SubscriptionID: e.SubscriptionID,
		EventID:        e.EventID,
		EventKind:      e.EventKind,
		Payload:        e.Payload,
		State:          delivery.StatePending,
		MaxAttempts:    sub.MaxAttempts,
	}
	if err := s.Enqueue(ctx, d); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, entityKey(prefixDLQ, e.ID.String()), raw, 0).Err(); err != nil {
		return fmt.Errorf("courier/redis: replay dlq entry: %w", err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	max := fmt.Sprintf("(%f", scoreFromTime(before))
	ids, err := s.rdb.ZRangeByScore(ctx, zDLQAll, &goredis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: purge dlq: %w", err)
	}

	var count int64
	for _, dlqID := range ids {
		e, err := s.getDLQEntry(ctx, dlqID)
		if err != nil {
			if isRedisNil(err) {
				continue
			}
			return count, err
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, entityKey(prefixDLQ, dlqID))
		pipe.ZRem(ctx, zDLQAll, dlqID)
		pipe.ZRem(ctx, zDLQTenant+e.TenantID, dlqID)
		pipe.ZRem(ctx, zDLQSub+e.SubscriptionID.String(), dlqID)
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("courier/redis: purge dlq: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, zDLQAll).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count dlq: %w", err)
	}
	return n, nil
}

func (s *Store) getDLQEntry(ctx context.Context, dlqID string) (*dlq.Entry, error) {
	raw, err := s.rdb.Get(ctx, entityKey(prefixDLQ, dlqID)).Bytes()
	if err != nil {
		return nil, err
	}
	var e dlq.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("courier/redis: unmarshal dlq entry: %w", err)
	}
	return &e, nil
}
