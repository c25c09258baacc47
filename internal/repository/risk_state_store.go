package repository

import (
	"context"
	"errors"
	"fmt"

	"FinGate/internal/domain/models"
	"FinGate/pkg/cache"
)

// CacheRiskStateStore persists GlobalRiskState as JSON under one key.
// Backed by Redis in production and by the in-memory cache otherwise.
type CacheRiskStateStore struct {
	c   cache.Service
	key string
}

func NewCacheRiskStateStore(c cache.Service, key string) *CacheRiskStateStore {
	if key == "" {
		key = "risk:global"
	}
	return &CacheRiskStateStore{c: c, key: key}
}

// Load returns nil without error when nothing has been saved yet.
func (s *CacheRiskStateStore) Load(ctx context.Context) (*models.GlobalRiskState, error) {
	var st models.GlobalRiskState
	if err := s.c.Get(ctx, s.key, &st); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	return &st, nil
}

func (s *CacheRiskStateStore) Save(ctx context.Context, state models.GlobalRiskState) error {
	if err := s.c.Set(ctx, s.key, state, 0); err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}
