// Package store provides the optional persistence back-ends of a cache.
package store

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"go.uber.org/zap"
)

// Store is a persistence back-end behind the in-memory data container
type Store interface {
	// LoadAllKeys returns every key currently persisted
	LoadAllKeys(ctx context.Context) ([]string, error)
	// Load returns the persisted entry for key, or nil when the key is absent
	Load(ctx context.Context, key string) (*model.Entry, error)
	Write(ctx context.Context, entry *model.Entry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewFromConfig builds the store selected by cfg.Type. A nil Store is returned for type "none".
func NewFromConfig(ctx context.Context, cfg config.PersistenceConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "", config.PersistenceNone:
		return nil, nil
	case config.PersistenceMemory:
		return NewMemoryStore(), nil
	case config.PersistenceRedis:
		s, err := NewRedisStore(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.PersistencePostgres:
		s, err := NewPostgresStore(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", cfg.Type)
	}
}
