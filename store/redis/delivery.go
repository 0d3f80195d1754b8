package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hookline/courier"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/id"
)

// lockTTL bounds how long a dequeued delivery stays claimed. A worker that
// dies mid-attempt leaves its delivery due again after this window.
const lockTTL = 5 * time.Minute

// dequeueScript claims due deliveries by pushing their due-queue score
// forward by the lock TTL in the same step that selects them, so no two
// pollers ever see the same delivery. KEYS[1] is the due queue. ARGV[1] is
// the current score, ARGV[2] the batch limit, ARGV[3] the reclaim score.
var dequeueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZADD', KEYS[1], ARGV[3], id)
end
return ids
`)

// Deliveries round-trip through their domain JSON tags; nothing on the
// type is excluded from serialization.
func marshalDelivery(d *delivery.Delivery) ([]byte, error) {
	return json.Marshal(d)
}

func unmarshalDelivery(raw []byte) (*delivery.Delivery, error) {
	var d delivery.Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return &d, nil
}

// dueScore returns the due-queue score for a delivery.
func dueScore(d *delivery.Delivery) float64 {
	if d.NextAttemptAt != nil {
		return scoreFromTime(*d.NextAttemptAt)
	}
	if !d.CreatedAt.IsZero() {
		return scoreFromTime(d.CreatedAt)
	}
	return scoreFromTime(now())
}

func (s *Store) enqueuePipe(ctx context.Context, pipe goredis.Pipeliner, d *delivery.Delivery) error {
	raw, err := marshalDelivery(d)
	if err != nil {
		return err
	}
	delID := d.ID.String()
	pipe.Set(ctx, entityKey(prefixDelivery, delID), raw, 0)
	pipe.ZAdd(ctx, zDeliverySub+d.SubscriptionID.String(), goredis.Z{Score: scoreFromTime(d.CreatedAt), Member: delID})
	pipe.ZAdd(ctx, zDeliveryEvt+d.EventID.String(), goredis.Z{Score: scoreFromTime(d.CreatedAt), Member: delID})
	pipe.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: dueScore(d), Member: delID})
	return nil
}

func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	return s.EnqueueBatch(ctx, []*delivery.Delivery{d})
}

func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, d := range ds {
		if err := s.enqueuePipe(ctx, pipe, d); err != nil {
			return fmt.Errorf("courier/redis: enqueue: %w", err)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: enqueue: %w", err)
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	ts := now()
	ids, err := dequeueScript.Run(ctx, s.rdb, []string{zDeliveryDue},
		scoreFromTime(ts), limit, scoreFromTime(ts.Add(lockTTL))).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: dequeue: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		raw, err := s.rdb.Get(ctx, entityKey(prefixDelivery, delID)).Bytes()
		if err != nil {
			if isRedisNil(err) {
				// Orphaned index entry, drop it.
				s.rdb.ZRem(ctx, zDeliveryDue, delID)
				continue
			}
			return nil, fmt.Errorf("courier/redis: dequeue: %w", err)
		}
		d, err := unmarshalDelivery(raw)
		if err != nil {
			return nil, fmt.Errorf("courier/redis: dequeue: %w", err)
		}
		result = append(result, d)
	}
	return result, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	raw, err := marshalDelivery(d)
	if err != nil {
		return fmt.Errorf("courier/redis: update delivery: %w", err)
	}

	delID := d.ID.String()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, entityKey(prefixDelivery, delID), raw, 0)
	if d.State.Terminal() {
		pipe.ZRem(ctx, zDeliveryDue, delID)
	} else {
		// Releases the dispatch claim: the real due time replaces the
		// reclaim score set at dequeue.
		pipe.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: dueScore(d), Member: delID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: update delivery: %w", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	raw, err := s.rdb.Get(ctx, entityKey(prefixDelivery, delID.String())).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return nil, courier.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("courier/redis: get delivery: %w", err)
	}
	return unmarshalDelivery(raw)
}

func (s *Store) ListBySubscription(ctx context.Context, subID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	return s.listDeliveriesFromIndex(ctx, zDeliverySub+subID.String(), opts)
}

func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	return s.listDeliveriesFromIndex(ctx, zDeliveryEvt+evtID.String(), delivery.ListOpts{})
}

func (s *Store) CountActive(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, zDeliveryDue).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count active: %w", err)
	}
	return n, nil
}

func (s *Store) listDeliveriesFromIndex(ctx context.Context, index string, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	ids, err := s.rdb.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list deliveries: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		raw, err := s.rdb.Get(ctx, entityKey(prefixDelivery, delID)).Bytes()
		if err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("courier/redis: list deliveries: %w", err)
		}
		d, err := unmarshalDelivery(raw)
		if err != nil {
			return nil, err
		}
		if opts.State != nil && d.State != *opts.State {
			continue
		}
		result = append(result, d)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}
