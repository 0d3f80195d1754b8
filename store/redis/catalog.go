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
)

// kindModel is the JSON representation stored in Redis.
type kindModel struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	GroupName     string            `json:"group_name,omitempty"`
	Schema        json.RawMessage   `json:"schema,omitempty"`
	SchemaVersion string            `json:"schema_version,omitempty"`
	Version       string            `json:"version,omitempty"`
	Example       json.RawMessage   `json:"example,omitempty"`
	IsDeprecated  bool              `json:"is_deprecated"`
	DeprecatedAt  *time.Time        `json:"deprecated_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func toKindModel(k *catalog.Kind) *kindModel {
	return &kindModel{
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
		Metadata:      k.Metadata,
		CreatedAt:     k.CreatedAt,
		UpdatedAt:     k.UpdatedAt,
	}
}

func fromKindModel(m *kindModel) (*catalog.Kind, error) {
	kindID, err := id.ParseEventKindID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event kind ID %q: %w", m.ID, err)
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
		Metadata:     m.Metadata,
	}, nil
}

func (s *Store) RegisterKind(ctx context.Context, k *catalog.Kind) error {
	nameKey := uniqueKindName + k.Definition.Name

	// Upsert by name: an existing registration keeps its ID.
	existingID, err := s.rdb.Get(ctx, nameKey).Result()
	if err != nil && !isRedisNil(err) {
		return fmt.Errorf("courier/redis: register kind: %w", err)
	}
	if err == nil {
		parsed, parseErr := id.ParseEventKindID(existingID)
		if parseErr != nil {
			return fmt.Errorf("courier/redis: register kind: %w", parseErr)
		}
		k.ID = parsed
	}

	m := toKindModel(k)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("courier/redis: marshal kind: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, entityKey(prefixKind, m.ID), raw, 0)
	pipe.Set(ctx, nameKey, m.ID, 0)
	pipe.ZAdd(ctx, zKindAll, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: register kind: %w", err)
	}
	return nil
}

func (s *Store) GetKind(ctx context.Context, name string) (*catalog.Kind, error) {
	kindID, err := s.rdb.Get(ctx, uniqueKindName+name).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, courier.ErrEventKindNotFound
		}
		return nil, fmt.Errorf("courier/redis: get kind: %w", err)
	}

	var m kindModel
	if err := s.getEntity(ctx, entityKey(prefixKind, kindID), &m); err != nil {
		if isRedisNil(err) {
			return nil, courier.ErrEventKindNotFound
		}
		return nil, fmt.Errorf("courier/redis: get kind: %w", err)
	}
	return fromKindModel(&m)
}

func (s *Store) GetKindByID(ctx context.Context, kindID id.ID) (*catalog.Kind, error) {
	var m kindModel
	if err := s.getEntity(ctx, entityKey(prefixKind, kindID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, courier.ErrEventKindNotFound
		}
		return nil, fmt.Errorf("courier/redis: get kind by id: %w", err)
	}
	return fromKindModel(&m)
}

func (s *Store) ListKinds(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Kind, error) {
	ids, err := s.rdb.ZRange(ctx, zKindAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list kinds: %w", err)
	}

	result := make([]*catalog.Kind, 0, len(ids))
	for _, kindID := range ids {
		var m kindModel
		if err := s.getEntity(ctx, entityKey(prefixKind, kindID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if !opts.IncludeDeprecated && m.IsDeprecated {
			continue
		}
		if opts.Group != "" && m.GroupName != opts.Group {
			continue
		}
		k, err := fromKindModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) DeleteKind(ctx context.Context, name string) error {
	kindID, err := s.rdb.Get(ctx, uniqueKindName+name).Result()
	if err != nil {
		if isRedisNil(err) {
			return courier.ErrEventKindNotFound
		}
		return fmt.Errorf("courier/redis: delete kind: %w", err)
	}

	var m kindModel
	if err := s.getEntity(ctx, entityKey(prefixKind, kindID), &m); err != nil {
		if isRedisNil(err) {
			return courier.ErrEventKindNotFound
		}
		return fmt.Errorf("courier/redis: delete kind: %w", err)
	}

	ts := now()
	m.IsDeprecated = true
	m.DeprecatedAt = &ts
	m.UpdatedAt = ts
	if err := s.setEntity(ctx, entityKey(prefixKind, kindID), &m); err != nil {
		return fmt.Errorf("courier/redis: delete kind: %w", err)
	}
	return nil
}
