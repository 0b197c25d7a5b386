package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SnapshotCache 인터페이스는 스냅샷 캐시의 기능을 정의합니다.
type SnapshotCache interface {
	// Get은 캐시에서 스냅샷을 조회합니다. 없으면 ErrCacheMiss를 반환합니다.
	Get(ctx context.Context, id string) (*Snapshot, error)

	// Set은 스냅샷을 캐시에 저장합니다. ttl이 0 이하면 기본값을 사용합니다.
	Set(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error

	// Delete는 캐시에서 스냅샷을 제거합니다.
	Delete(ctx context.Context, id string) error

	// Close는 캐시를 닫습니다.
	Close() error
}

// cacheEntry는 만료 시각이 붙은 캐시 항목입니다.
type cacheEntry struct {
	snapshot   Snapshot
	expiration time.Time
}

// MemoryCache는 메모리 기반 스냅샷 캐시 구현체입니다.
type MemoryCache struct {
	mu         sync.RWMutex
	data       map[string]cacheEntry
	defaultTTL time.Duration
	closeChan  chan struct{}
	closed     bool
}

// NewMemoryCache는 새로운 메모리 캐시를 생성합니다.
// evictionInterval이 0보다 크면 주기적으로 만료된 항목을 제거합니다.
func NewMemoryCache(defaultTTL, evictionInterval time.Duration) *MemoryCache {
	cache := &MemoryCache{
		data:       make(map[string]cacheEntry),
		defaultTTL: defaultTTL,
		closeChan:  make(chan struct{}),
	}

	if evictionInterval > 0 {
		go cache.evictionLoop(evictionInterval)
	}

	return cache
}

// Get은 캐시에서 스냅샷을 조회합니다.
func (c *MemoryCache) Get(ctx context.Context, id string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[id]
	if !ok {
		return nil, ErrCacheMiss
	}

	// 만료된 항목은 캐시 미스로 처리
	if !entry.expiration.IsZero() && time.Now().After(entry.expiration) {
		return nil, ErrCacheMiss
	}

	snapshot := entry.snapshot
	return &snapshot, nil
}

// Set은 스냅샷을 캐시에 저장합니다.
func (c *MemoryCache) Set(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	var expiration time.Time
	if ttl > 0 {
		expiration = time.Now().Add(ttl)
	}

	c.data[snapshot.ID] = cacheEntry{
		snapshot:   *snapshot,
		expiration: expiration,
	}
	return nil
}

// Delete는 캐시에서 스냅샷을 제거합니다.
func (c *MemoryCache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, id)
	return nil
}

// Close는 캐시를 닫습니다.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeChan)
	return nil
}

// evictionLoop는 주기적으로 만료된 항목을 제거합니다.
func (c *MemoryCache) evictionLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.closeChan:
			return
		}
	}
}

// evictExpired는 만료된 항목을 모두 제거합니다.
func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.data {
		if !entry.expiration.IsZero() && now.After(entry.expiration) {
			delete(c.data, id)
		}
	}
}

// CachedStore는 저장소 앞에 읽기/쓰기 통과 캐시를 두는 구현체입니다.
// 캐시 오류는 기록만 하고 저장소 결과를 우선합니다.
type CachedStore struct {
	store  Store
	cache  SnapshotCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore는 캐시가 붙은 저장소를 생성합니다.
func NewCachedStore(store Store, cache SnapshotCache, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Load는 캐시를 먼저 조회하고, 없으면 저장소에서 읽어 캐시에 채웁니다.
func (s *CachedStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	snapshot, err := s.cache.Get(ctx, id)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("Cache get failed", zap.String("doc_id", id), zap.Error(err))
	}

	snapshot, err = s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, snapshot, s.ttl); err != nil {
		s.logger.Warn("Cache fill failed", zap.String("doc_id", id), zap.Error(err))
	}
	return snapshot, nil
}

// Save는 저장소에 쓰고 쓰기가 유효했을 때에만 캐시를 갱신합니다.
// 저장소는 버전이 역행하는 쓰기를 조용히 무시하므로, 캐시에 이미 더
// 높은 버전이 있으면 덮어쓰지 않고, 캐시가 비어 있으면 저장소에 실제로
// 남은 스냅샷을 읽어 채웁니다.
func (s *CachedStore) Save(ctx context.Context, snapshot *Snapshot) error {
	if err := s.store.Save(ctx, snapshot); err != nil {
		return err
	}

	fill := snapshot
	cached, err := s.cache.Get(ctx, snapshot.ID)
	switch {
	case err == nil:
		if cached.Version >= snapshot.Version {
			return nil
		}
	case errors.Is(err, ErrCacheMiss):
		stored, err := s.store.Load(ctx, snapshot.ID)
		if err != nil {
			s.logger.Warn("Cache fill readback failed", zap.String("doc_id", snapshot.ID), zap.Error(err))
			return nil
		}
		fill = stored
	default:
		s.logger.Warn("Cache get failed", zap.String("doc_id", snapshot.ID), zap.Error(err))
		return nil
	}

	if err := s.cache.Set(ctx, fill, s.ttl); err != nil {
		s.logger.Warn("Cache update failed", zap.String("doc_id", snapshot.ID), zap.Error(err))
	}
	return nil
}

// Close는 캐시와 저장소를 순서대로 닫습니다.
func (s *CachedStore) Close() error {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("Cache close failed", zap.Error(err))
	}
	return s.store.Close()
}
