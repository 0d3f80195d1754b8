// Package bunstore implements store.Store on the Bun ORM, supporting
// Postgres and SQLite through the same models.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

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

// compile-time interface check
var _ courierstore.Store = (*Store)(nil)

// lockTTL bounds how long a dequeued delivery stays claimed. A worker that
// dies mid-attempt releases its claim after this long and the delivery is
// swept up again.
const lockTTL = 5 * time.Minute

// Store implements store.Store using the Bun ORM.
type Store struct {
	db *bun.DB
}

// New creates a new Bun-backed store.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying Bun database for direct access.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*eventKindModel)(nil),
		(*subscriptionModel)(nil),
		(*eventModel)(nil),
		(*deliveryModel)(nil),
		(*dlqEntryModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_courier_deliveries_due ON courier_deliveries (next_attempt_at) WHERE state IN ('pending', 'retrying')",
		"CREATE INDEX IF NOT EXISTS idx_courier_deliveries_event ON courier_deliveries (event_id)",
		"CREATE INDEX IF NOT EXISTS idx_courier_deliveries_subscription ON courier_deliveries (subscription_id)",
		"CREATE INDEX IF NOT EXISTS idx_courier_events_tenant ON courier_events (tenant_id)",
		"CREATE INDEX IF NOT EXISTS idx_courier_events_kind ON courier_events (kind)",
		"CREATE INDEX IF NOT EXISTS idx_courier_subscriptions_tenant ON courier_subscriptions (tenant_id)",
		"CREATE INDEX IF NOT EXISTS idx_courier_dlq_tenant ON courier_dlq (tenant_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_courier_events_idempotency ON courier_events (idempotency_key) WHERE idempotency_key != ''",
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Catalog Store ====================

func (s *Store) RegisterKind(ctx context.Context, k *catalog.Kind) error {
	m := toEventKindModel(k)
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (name) DO UPDATE").
		Set("description = EXCLUDED.description").
		Set("group_name = EXCLUDED.group_name").
		Set("schema = EXCLUDED.schema").
		Set("schema_version = EXCLUDED.schema_version").
		Set("version = EXCLUDED.version").
		Set("example = EXCLUDED.example").
		Set("metadata = EXCLUDED.metadata").
		Set("is_deprecated = false").
		Set("deprecated_at = NULL").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) GetKind(ctx context.Context, name string) (*catalog.Kind, error) {
	m := new(eventKindModel)
	err := s.db.NewSelect().
		Model(m).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, courier.ErrEventKindNotFound
		}
		return nil, err
	}
	return fromEventKindModel(m)
}

func (s *Store) GetKindByID(ctx context.Context, kindID id.ID) (*catalog.Kind, error) {
	m := new(eventKindModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", kindID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, courier.ErrEventKindNotFound
		}
		return nil, err
	}
	return fromEventKindModel(m)
}

func (s *Store) ListKinds(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Kind, error) {
	var models []eventKindModel
	q := s.db.NewSelect().Model(&models)

	if opts.Group != "" {
		q = q.Where("group_name = ?", opts.Group)
	}
	if !opts.IncludeDeprecated {
		q = q.Where("is_deprecated = false")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("name ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*catalog.Kind, len(models))
	for i := range models {
		k, err := fromEventKindModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = k
	}
	return result, nil
}

func (s *Store) DeleteKind(ctx context.Context, name string) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*eventKindModel)(nil)).
		Set("is_deprecated = true").
		Set("deprecated_at = ?", now).
		Set("updated_at = ?", now).
		Where("name = ?", name).
		Where("is_deprecated = false").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return courier.ErrEventKindNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", subID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, courier.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model(m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return courier.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	res, err := s.db.NewDelete().
		Model((*subscriptionModel)(nil)).
		Where("id = ?", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return courier.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.db.NewSelect().Model(&models).Where("tenant_id = ?", tenantID)
	if opts.Status != nil {
		q = q.Where("status = ?", string(*opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) Resolve(ctx context.Context, tenantID, kind string) ([]*subscription.Subscription, error) {
	// Patterns live in a JSON column, so matching happens in Go against the
	// tenant's active subscriptions.
	var models []subscriptionModel
	if err := s.db.NewSelect().
		Model(&models).
		Where("tenant_id = ?", tenantID).
		Where("status = ?", string(subscription.StatusActive)).
		Scan(ctx); err != nil {
		return nil, err
	}

	var result []*subscription.Subscription
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		if catalog.MatchAny(sub.EventKinds, kind) {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (s *Store) SetStatus(ctx context.Context, subID id.ID, status subscription.Status) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*subscriptionModel)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = ?", now).
		Where("id = ?", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return courier.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) MarkTriggered(ctx context.Context, subIDs []id.ID, at time.Time) error {
	if len(subIDs) == 0 {
		return nil
	}
	ids := make([]string, len(subIDs))
	for i, subID := range subIDs {
		ids[i] = subID.String()
	}
	_, err := s.db.NewUpdate().
		Model((*subscriptionModel)(nil)).
		Set("last_triggered_at = ?", at).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

func (s *Store) RecordSuccess(ctx context.Context, subID id.ID, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*subscriptionModel)(nil)).
		Set("consecutive_failures = 0").
		Set("last_success_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return courier.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) RecordFailure(ctx context.Context, subID id.ID, at time.Time, disableAfter int) (int, error) {
	// Single UPDATE so concurrent attempts never lose an increment; the
	// disable transition rides the same statement.
	var count int
	err := s.db.NewRaw(`
		UPDATE courier_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
		    last_failure_at = ?,
		    updated_at = ?,
		    status = CASE
		        WHEN ? > 0 AND consecutive_failures + 1 >= ? AND status = ?
		        THEN ?
		        ELSE status
		    END
		WHERE id = ?
		RETURNING consecutive_failures
	`, at, at, disableAfter, disableAfter,
		string(subscription.StatusActive), string(subscription.StatusDisabledByFailures),
		subID.String(),
	).Scan(ctx, &count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, courier.ErrSubscriptionNotFound
		}
		return 0, err
	}
	return count, nil
}

// ==================== Event Store ====================

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)

	if evt.IdempotencyKey != "" {
		res, err := s.db.NewInsert().
			Model(m).
			On("CONFLICT (idempotency_key) WHERE idempotency_key != '' DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return courier.ErrDuplicateIdempotencyKey
		}
		return nil
	}

	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	m := new(eventModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", evtID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, courier.ErrEventNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models)
	q = applyEventOpts(q, opts)

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return eventsFromModels(models)
}

func (s *Store) ListEventsByTenant(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models).Where("tenant_id = ?", tenantID)
	q = applyEventOpts(q, opts)

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return eventsFromModels(models)
}

func applyEventOpts(q *bun.SelectQuery, opts event.ListOpts) *bun.SelectQuery {
	if opts.Kind != "" {
		q = q.Where("kind = ?", opts.Kind)
	}
	if opts.From != nil {
		q = q.Where("created_at >= ?", *opts.From)
	}
	if opts.To != nil {
		q = q.Where("created_at <= ?", *opts.To)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	return q.Order("created_at DESC")
}

func eventsFromModels(models []eventModel) ([]*event.Event, error) {
	result := make([]*event.Event, len(models))
	for i := range models {
		evt, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

// ==================== Delivery Store ====================

func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	models := make([]deliveryModel, len(ds))
	for i, d := range ds {
		models[i] = *toDeliveryModel(d)
	}
	_, err := s.db.NewInsert().Model(&models).Exec(ctx)
	return err
}

// Dequeue claims due deliveries by stamping locked_at in a single UPDATE, so
// two pollers never pick up the same row. Claims left by a dead worker expire
// after lockTTL.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	now := time.Now().UTC()
	stale := now.Add(-lockTTL)

	var models []deliveryModel
	err := s.db.NewRaw(`
		UPDATE courier_deliveries
		SET locked_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM courier_deliveries
			WHERE state IN (?, ?)
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			  AND (locked_at IS NULL OR locked_at < ?)
			ORDER BY next_attempt_at ASC
			LIMIT ?
		)
		RETURNING *
	`, now, now,
		string(delivery.StatePending), string(delivery.StateRetrying),
		now, stale, limit,
	).Scan(ctx, &models)
	if err != nil {
		return nil, err
	}

	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	m.UpdatedAt = time.Now().UTC()
	m.LockedAt = nil // release the dispatch claim
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return courier.ErrDeliveryNotFound
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	m := new(deliveryModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", delID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, courier.ErrDeliveryNotFound
		}
		return nil, err
	}
	return fromDeliveryModel(m)
}

func (s *Store) ListBySubscription(ctx context.Context, subID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	q := s.db.NewSelect().Model(&models).Where("subscription_id = ?", subID.String())

	if opts.State != nil {
		q = q.Where("state = ?", string(*opts.State))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return deliveriesFromModels(models)
}

func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	if err := s.db.NewSelect().
		Model(&models).
		Where("event_id = ?", evtID.String()).
		Order("created_at DESC").
		Scan(ctx); err != nil {
		return nil, err
	}
	return deliveriesFromModels(models)
}

func (s *Store) CountActive(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*deliveryModel)(nil)).
		Where("state IN (?, ?)", string(delivery.StatePending), string(delivery.StateRetrying)).
		Count(ctx)
	return int64(count), err
}

func deliveriesFromModels(models []deliveryModel) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

// ==================== DLQ Store ====================

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQEntryModel(entry)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel
	q := s.db.NewSelect().Model(&models)

	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	if opts.SubscriptionID != nil {
		q = q.Where("subscription_id = ?", opts.SubscriptionID.String())
	}
	if opts.From != nil {
		q = q.Where("failed_at >= ?", *opts.From)
	}
	if opts.To != nil {
		q = q.Where("failed_at <= ?", *opts.To)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("failed_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*dlq.Entry, len(models))
	for i := range models {
		entry, err := fromDLQEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = entry
	}
	return result, nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	m := new(dlqEntryModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", dlqID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, courier.ErrDLQNotFound
		}
		return nil, err
	}
	return fromDLQEntryModel(m)
}

// Replay re-enqueues a fresh delivery for a DLQ entry. The entry stays in the
// DLQ with replayed_at stamped, so the audit trail survives the replay.
func (s *Store) Replay(ctx context.Context, dlqID id.ID) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		m := new(dlqEntryModel)
		err := tx.NewSelect().
			Model(m).
			Where("id = ?", dlqID.String()).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return courier.ErrDLQNotFound
			}
			return err
		}
		entry, err := fromDLQEntryModel(m)
		if err != nil {
			return err
		}
		return s.replayEntry(ctx, tx, entry)
	})
}

func (s *Store) replayEntry(ctx context.Context, tx bun.Tx, entry *dlq.Entry) error {
	// Fresh deliveries use the subscription's current attempt budget.
	subModel := new(subscriptionModel)
	err := tx.NewSelect().
		Model(subModel).
		Where("id = ?", entry.SubscriptionID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return courier.ErrSubscriptionNotFound
		}
		return err
	}

	now := time.Now().UTC()
	d := &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		SubscriptionID: entry.SubscriptionID,
		EventID:        entry.EventID,
		EventKind:      entry.EventKind,
		Payload:        entry.Payload,
		State:          delivery.StatePending,
		MaxAttempts:    subModel.MaxAttempts,
	}
	if _, err := tx.NewInsert().Model(toDeliveryModel(d)).Exec(ctx); err != nil {
		return err
	}

	_, err = tx.NewUpdate().
		Model((*dlqEntryModel)(nil)).
		Set("replayed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", entry.ID.String()).
		Exec(ctx)
	return err
}

func (s *Store) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var models []dlqEntryModel
		if err := tx.NewSelect().
			Model(&models).
			Where("failed_at >= ?", from).
			Where("failed_at <= ?", to).
			Where("replayed_at IS NULL").
			Scan(ctx); err != nil {
			return err
		}

		for i := range models {
			entry, err := fromDLQEntryModel(&models[i])
			if err != nil {
				return err
			}
			if err := s.replayEntry(ctx, tx, entry); err != nil {
				if errors.Is(err, courier.ErrSubscriptionNotFound) {
					continue // subscription deleted since the failure
				}
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*dlqEntryModel)(nil)).
		Where("created_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*dlqEntryModel)(nil)).
		Count(ctx)
	return int64(count), err
}
