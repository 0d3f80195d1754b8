package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hookline/courier"
	"github.com/hookline/courier/catalog"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/subscription"
)

// subModel is the JSON representation stored in Redis. The signing secret
// is persisted here (the domain type excludes it from serialization), and
// the timeout is stored in milliseconds so the Lua scripts never touch a
// nanosecond-scale number.
type subModel struct {
	ID                  string            `json:"id"`
	TenantID            string            `json:"tenant_id"`
	URL                 string            `json:"url"`
	Description         string            `json:"description,omitempty"`
	Secret              string            `json:"secret"`
	EventKinds          []string          `json:"event_kinds"`
	Status              string            `json:"status"`
	MaxAttempts         int               `json:"max_attempts"`
	TimeoutMs           int64             `json:"timeout_ms"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time        `json:"last_triggered_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	RateLimit           int               `json:"rate_limit"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func toSubModel(sub *subscription.Subscription) *subModel {
	return &subModel{
		ID:                  sub.ID.String(),
		TenantID:            sub.TenantID,
		URL:                 sub.URL,
		Description:         sub.Description,
		Secret:              sub.Secret,
		EventKinds:          sub.EventKinds,
		Status:              string(sub.Status),
		MaxAttempts:         sub.MaxAttempts,
		TimeoutMs:           sub.Timeout.Milliseconds(),
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastTriggeredAt:     sub.LastTriggeredAt,
		LastSuccessAt:       sub.LastSuccessAt,
		LastFailureAt:       sub.LastFailureAt,
		Headers:             sub.Headers,
		RateLimit:           sub.RateLimit,
		Metadata:            sub.Metadata,
		CreatedAt:           sub.CreatedAt,
		UpdatedAt:           sub.UpdatedAt,
	}
}

func fromSubModel(m *subModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	return &subscription.Subscription{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                  subID,
		TenantID:            m.TenantID,
		URL:                 m.URL,
		Description:         m.Description,
		Secret:              m.Secret,
		EventKinds:          m.EventKinds,
		Status:              subscription.Status(m.Status),
		MaxAttempts:         m.MaxAttempts,
		Timeout:             time.Duration(m.TimeoutMs) * time.Millisecond,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastTriggeredAt:     m.LastTriggeredAt,
		LastSuccessAt:       m.LastSuccessAt,
		LastFailureAt:       m.LastFailureAt,
		Headers:             m.Headers,
		RateLimit:           m.RateLimit,
		Metadata:            m.Metadata,
	}, nil
}

// recordFailureScript increments the consecutive-failure counter on the
// subscription blob and flips an active subscription to
// disabled_by_failures once the counter reaches the threshold, removing it
// from the tenant's active set in the same step. KEYS[1] is the
// subscription key, KEYS[2] the tenant active set. ARGV[1] is the RFC 3339
// timestamp, ARGV[2] the disable threshold (0 disables auto-disabling).
var recordFailureScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return redis.error_reply('subscription not found')
end
local sub = cjson.decode(raw)
sub['consecutive_failures'] = (sub['consecutive_failures'] or 0) + 1
sub['last_failure_at'] = ARGV[1]
sub['updated_at'] = ARGV[1]
local threshold = tonumber(ARGV[2])
if threshold > 0 and sub['consecutive_failures'] >= threshold and sub['status'] == 'active' then
	sub['status'] = 'disabled_by_failures'
	redis.call('SREM', KEYS[2], sub['id'])
end
redis.call('SET', KEYS[1], cjson.encode(sub))
return sub['consecutive_failures']
`)

// recordSuccessScript resets the consecutive-failure counter and stamps
// last_success_at. KEYS[1] is the subscription key, ARGV[1] the timestamp.
var recordSuccessScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return redis.error_reply('subscription not found')
end
local sub = cjson.decode(raw)
sub['consecutive_failures'] = 0
sub['last_success_at'] = ARGV[1]
sub['updated_at'] = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(sub))
return 0
`)

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubModel(sub)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("courier/redis: marshal subscription: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, entityKey(prefixSubscription, m.ID), raw, 0)
	pipe.ZAdd(ctx, zSubTenant+m.TenantID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	if sub.Active() {
		pipe.SAdd(ctx, activeSetKey(m.TenantID), m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	var m subModel
	if err := s.getEntity(ctx, entityKey(prefixSubscription, subID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, courier.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("courier/redis: get subscription: %w", err)
	}
	return fromSubModel(&m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	key := entityKey(prefixSubscription, sub.ID.String())
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: update subscription: %w", err)
	}
	if exists == 0 {
		return courier.ErrSubscriptionNotFound
	}

	m := toSubModel(sub)
	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("courier/redis: update subscription: %w", err)
	}

	// Keep the active set consistent with the new status.
	if sub.Active() {
		err = s.rdb.SAdd(ctx, activeSetKey(m.TenantID), m.ID).Err()
	} else {
		err = s.rdb.SRem(ctx, activeSetKey(m.TenantID), m.ID).Err()
	}
	if err != nil {
		return fmt.Errorf("courier/redis: update subscription: %w", err)
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	sub, err := s.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, entityKey(prefixSubscription, subID.String()))
	pipe.ZRem(ctx, zSubTenant+sub.TenantID, subID.String())
	pipe.SRem(ctx, activeSetKey(sub.TenantID), subID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: delete subscription: %w", err)
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.ZRange(ctx, zSubTenant+tenantID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, 0, len(ids))
	for _, subID := range ids {
		var m subModel
		if err := s.getEntity(ctx, entityKey(prefixSubscription, subID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.Status != nil && subscription.Status(m.Status) != *opts.Status {
			continue
		}
		sub, err := fromSubModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) Resolve(ctx context.Context, tenantID string, kind string) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.SMembers(ctx, activeSetKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: resolve subscriptions: %w", err)
	}

	var matched []*subscription.Subscription
	for _, subID := range ids {
		var m subModel
		if err := s.getEntity(ctx, entityKey(prefixSubscription, subID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		sub, err := fromSubModel(&m)
		if err != nil {
			return nil, err
		}
		if !sub.Active() || !catalog.MatchAny(sub.EventKinds, kind) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched, nil
}

func (s *Store) SetStatus(ctx context.Context, subID id.ID, status subscription.Status) error {
	sub, err := s.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	sub.Status = status
	sub.UpdatedAt = now()
	return s.UpdateSubscription(ctx, sub)
}

func (s *Store) MarkTriggered(ctx context.Context, subIDs []id.ID, at time.Time) error {
	for _, subID := range subIDs {
		var m subModel
		key := entityKey(prefixSubscription, subID.String())
		if err := s.getEntity(ctx, key, &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return fmt.Errorf("courier/redis: mark triggered: %w", err)
		}
		ts := at.UTC()
		m.LastTriggeredAt = &ts
		m.UpdatedAt = ts
		if err := s.setEntity(ctx, key, &m); err != nil {
			return fmt.Errorf("courier/redis: mark triggered: %w", err)
		}
	}
	return nil
}

func (s *Store) RecordSuccess(ctx context.Context, subID id.ID, at time.Time) error {
	keys := []string{entityKey(prefixSubscription, subID.String())}
	err := recordSuccessScript.Run(ctx, s.rdb, keys, at.UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("courier/redis: record success: %w", err)
	}
	return nil
}

func (s *Store) RecordFailure(ctx context.Context, subID id.ID, at time.Time, disableAfter int) (int, error) {
	sub, err := s.GetSubscription(ctx, subID)
	if err != nil {
		return 0, err
	}

	keys := []string{
		entityKey(prefixSubscription, subID.String()),
		activeSetKey(sub.TenantID),
	}
	count, err := recordFailureScript.Run(ctx, s.rdb, keys,
		at.UTC().Format(time.RFC3339Nano), disableAfter).Int()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: record failure: %w", err)
	}
	return count, nil
}
