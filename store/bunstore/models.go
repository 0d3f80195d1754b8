package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/hookline/courier/catalog"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/dlq"
	"github.com/hookline/courier/event"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/internal/entity"
	"github.com/hookline/courier/subscription"
)

// Collection-valued fields (patterns, headers, metadata) are stored as JSON
// blobs so the same models work on Postgres and SQLite.

// --- Event kind models ---

type eventKindModel struct {
	bun.BaseModel `bun:"table:courier_event_kinds"`

	ID            string          `bun:"id,pk"`
	Name          string          `bun:"name,unique"`
	Description   string          `bun:"description"`
	GroupName     string          `bun:"group_name"`
	Schema        json.RawMessage `bun:"schema"`
	SchemaVersion string          `bun:"schema_version"`
	Version       string          `bun:"version"`
	Example       json.RawMessage `bun:"example"`
	IsDeprecated  bool            `bun:"is_deprecated"`
	DeprecatedAt  *time.Time      `bun:"deprecated_at"`
	Metadata      []byte          `bun:"metadata"`
	CreatedAt     time.Time       `bun:"created_at"`
	UpdatedAt     time.Time       `bun:"updated_at"`
}

func toEventKindModel(k *catalog.Kind) *eventKindModel {
	return &eventKindModel{
		ID:            k.ID.String(),
		Name:          k.Definition.Name,
		Description:   k.Definition.Description,
		GroupName:     k.Definition.Group,
		Schema:        k.Definition.Schema,
		SchemaVersion: k.Definition.SchemaVersion,
		Version:       k.Definition.Version,
		Example:       k.Definition.Example,
		IsDeprecated:  k.IsDeprecated,
		DeprecatedAt:  k.DeprecatedAt,
		Metadata:      marshalMap(k.Metadata),
		CreatedAt:     k.CreatedAt,
		UpdatedAt:     k.UpdatedAt,
	}
}

func fromEventKindModel(m *eventKindModel) (*catalog.Kind, error) {
	kindID, err := id.ParseEventKindID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event kind ID %q: %w", m.ID, err)
	}
	metadata, err := unmarshalMap(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("decode event kind metadata: %w", err)
	}
	return &catalog.Kind{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID: kindID,
		Definition: catalog.Definition{
			Name:          m.Name,
			Description:   m.Description,
			Group:         m.GroupName,
			Schema:        m.Schema,
			SchemaVersion: m.SchemaVersion,
			Version:       m.Version,
			Example:       m.Example,
		},
		IsDeprecated: m.IsDeprecated,
		DeprecatedAt: m.DeprecatedAt,
		Metadata:     metadata,
	}, nil
}

// --- Subscription models ---

type subscriptionModel struct {
	bun.BaseModel `bun:"table:courier_subscriptions"`

	ID                  string     `bun:"id,pk"`
	TenantID            string     `bun:"tenant_id"`
	URL                 string     `bun:"url"`
	Description         string     `bun:"description"`
	Secret              string     `bun:"secret"`
	EventKinds          []byte     `bun:"event_kinds"`
	Status              string     `bun:"status"`
	MaxAttempts         int        `bun:"max_attempts"`
	TimeoutMs           int64      `bun:"timeout_ms"`
	ConsecutiveFailures int        `bun:"consecutive_failures"`
	LastTriggeredAt     *time.Time `bun:"last_triggered_at"`
	LastSuccessAt       *time.Time `bun:"last_success_at"`
	LastFailureAt       *time.Time `bun:"last_failure_at"`
	Headers             []byte     `bun:"headers"`
	RateLimit           int        `bun:"rate_limit"`
	Metadata            []byte     `bun:"metadata"`
	CreatedAt           time.Time  `bun:"created_at"`
	UpdatedAt           time.Time  `bun:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	kinds, _ := json.Marshal(sub.EventKinds) //nolint:errcheck // string slice cannot fail
	return &subscriptionModel{
		ID:                  sub.ID.String(),
		TenantID:            sub.TenantID,
		URL:                 sub.URL,
		Description:         sub.Description,
		Secret:              sub.Secret,
		EventKinds:          kinds,
		Status:              string(sub.Status),
		MaxAttempts:         sub.MaxAttempts,
		TimeoutMs:           sub.Timeout.Milliseconds(),
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastTriggeredAt:     sub.LastTriggeredAt,
		LastSuccessAt:       sub.LastSuccessAt,
		LastFailureAt:       sub.LastFailureAt,
		Headers:             marshalMap(sub.Headers),
		RateLimit:           sub.RateLimit,
		Metadata:            marshalMap(sub.Metadata),
		CreatedAt:           sub.CreatedAt,
		UpdatedAt:           sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	var kinds []string
	if len(m.EventKinds) > 0 {
		if err := json.Unmarshal(m.EventKinds, &kinds); err != nil {
			return nil, fmt.Errorf("decode event kinds: %w", err)
		}
	}
	headers, err := unmarshalMap(m.Headers)
	if err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	metadata, err := unmarshalMap(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
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
		EventKinds:          kinds,
		Status:              subscription.Status(m.Status),
		MaxAttempts:         m.MaxAttempts,
		Timeout:             time.Duration(m.TimeoutMs) * time.Millisecond,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastTriggeredAt:     m.LastTriggeredAt,
		LastSuccessAt:       m.LastSuccessAt,
		LastFailureAt:       m.LastFailureAt,
		Headers:             headers,
		RateLimit:           m.RateLimit,
		Metadata:            metadata,
	}, nil
}

// --- Event models ---

type eventModel struct {
	bun.BaseModel `bun:"table:courier_events"`

	ID             string          `bun:"id,pk"`
	Kind           string          `bun:"kind"`
	TenantID       string          `bun:"tenant_id"`
	OccurredAt     time.Time       `bun:"occurred_at"`
	Payload        json.RawMessage `bun:"payload"`
	IdempotencyKey string          `bun:"idempotency_key"`
	CreatedAt      time.Time       `bun:"created_at"`
	UpdatedAt      time.Time       `bun:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	payload, _ := json.Marshal(evt.Payload) //nolint:errcheck // best-effort serialization
	return &eventModel{
		ID:             evt.ID.String(),
		Kind:           evt.Kind,
		TenantID:       evt.TenantID,
		OccurredAt:     evt.OccurredAt,
		Payload:        payload,
		IdempotencyKey: evt.IdempotencyKey,
		CreatedAt:      evt.CreatedAt,
		UpdatedAt:      evt.UpdatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}
	var payload any = m.Payload
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

// --- Delivery models ---

type deliveryModel struct {
	bun.BaseModel `bun:"table:courier_deliveries"`

	ID             string          `bun:"id,pk"`
	SubscriptionID string          `bun:"subscription_id"`
	EventID        string          `bun:"event_id"`
	EventKind      string          `bun:"event_kind"`
	Payload        json.RawMessage `bun:"payload"`
	State          string          `bun:"state"`
	AttemptCount   int             `bun:"attempt_count"`
	MaxAttempts    int             `bun:"max_attempts"`
	LastStatusCode int             `bun:"last_status_code"`
	LastError      string          `bun:"last_error"`
	LastResponse   string          `bun:"last_response"`
	LastLatencyMs  int             `bun:"last_latency_ms"`
	NextAttemptAt  *time.Time      `bun:"next_attempt_at"`
	DeliveredAt    *time.Time      `bun:"delivered_at"`
	LockedAt       *time.Time      `bun:"locked_at"`
	CreatedAt      time.Time       `bun:"created_at"`
	UpdatedAt      time.Time       `bun:"updated_at"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:             d.ID.String(),
		SubscriptionID: d.SubscriptionID.String(),
		EventID:        d.EventID.String(),
		EventKind:      d.EventKind,
		Payload:        d.Payload,
		State:          string(d.State),
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		LastStatusCode: d.LastStatusCode,
		LastError:      d.LastError,
		LastResponse:   d.LastResponse,
		LastLatencyMs:  d.LastLatencyMs,
		NextAttemptAt:  d.NextAttemptAt,
		DeliveredAt:    d.DeliveredAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             delID,
		SubscriptionID: subID,
		EventID:        evtID,
		EventKind:      m.EventKind,
		Payload:        m.Payload,
		State:          delivery.State(m.State),
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		LastStatusCode: m.LastStatusCode,
		LastError:      m.LastError,
		LastResponse:   m.LastResponse,
		LastLatencyMs:  m.LastLatencyMs,
		NextAttemptAt:  m.NextAttemptAt,
		DeliveredAt:    m.DeliveredAt,
	}, nil
}

// --- DLQ models ---

type dlqEntryModel struct {
	bun.BaseModel `bun:"table:courier_dlq"`

	ID             string          `bun:"id,pk"`
	DeliveryID     string          `bun:"delivery_id"`
	EventID        string          `bun:"event_id"`
	SubscriptionID string          `bun:"subscription_id"`
	EventKind      string          `bun:"event_kind"`
	TenantID       string          `bun:"tenant_id"`
	URL            string          `bun:"url"`
	Payload        json.RawMessage `bun:"payload"`
	Error          string          `bun:"error"`
	AttemptCount   int             `bun:"attempt_count"`
	LastStatusCode int             `bun:"last_status_code"`
	ReplayedAt     *time.Time      `bun:"replayed_at"`
	FailedAt       time.Time       `bun:"failed_at"`
	CreatedAt      time.Time       `bun:"created_at"`
	UpdatedAt      time.Time       `bun:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:             e.ID.String(),
		DeliveryID:     e.DeliveryID.String(),
		EventID:        e.EventID.String(),
		SubscriptionID: e.SubscriptionID.String(),
		EventKind:      e.EventKind,
		TenantID:       e.TenantID,
		URL:            e.URL,
		Payload:        e.Payload,
		Error:          e.Error,
		AttemptCount:   e.AttemptCount,
		LastStatusCode: e.LastStatusCode,
		ReplayedAt:     e.ReplayedAt,
		FailedAt:       e.FailedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}
	delID, err := id.ParseDeliveryID(m.DeliveryID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.DeliveryID, err)
	}
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             dlqID,
		DeliveryID:     delID,
		EventID:        evtID,
		SubscriptionID: subID,
		EventKind:      m.EventKind,
		TenantID:       m.TenantID,
		URL:            m.URL,
		Payload:        m.Payload,
		Error:          m.Error,
		AttemptCount:   m.AttemptCount,
		LastStatusCode: m.LastStatusCode,
		ReplayedAt:     m.ReplayedAt,
		FailedAt:       m.FailedAt,
	}, nil
}

// --- JSON column helpers ---

func marshalMap(m map[string]string) []byte {
	if len(m) == 0 {
		return nil
	}
	b, _ := json.Marshal(m) //nolint:errcheck // string map cannot fail
	return b
}

func unmarshalMap(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
