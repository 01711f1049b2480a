package cache

import (
	"context"
	"sync"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

type MapStore struct {
	m *TypedSyncMap
}

type TypedSyncMap struct {
	m sync.Map
}

func (c *TypedSyncMap) Load(k tile.Key) (TileCacheValue, bool) {
	v, exists := c.m.Load(k)
	if !exists {
		return nil, false
	}
	return v.(TileCacheValue), exists
}

func (c *TypedSyncMap) Store(k tile.Key, v TileCacheValue) {
	c.m.Store(k, v)
}

func NewMapStore() *MapStore {
	return &MapStore{
		m: &TypedSyncMap{},
	}
}

var _ TileStore = (*MapStore)(nil)

func (c *MapStore) Get(_ context.Context, k tile.Key) (TileCacheValue, bool, error) {
	v, exists := c.m.Load(k)
	return v, exists, nil
}

func (c *MapStore) Set(_ context.Context, k tile.Key, v TileCacheValue) error {
	c.m.Store(k, v)
	return nil
}

func (c *MapStore) Close() error {
	return nil
}
