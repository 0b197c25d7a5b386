package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

// badgerGCInterval은 밸류 로그 가비지 컬렉션 주기입니다.
const badgerGCInterval = 5 * time.Minute

// BadgerCache는 내장 디스크 기반 스냅샷 캐시 구현체입니다.
// Redis 없이 단일 프로세스로 운영할 때 사용하며 재시작 후에도 캐시가 유지됩니다.
type BadgerCache struct {
	db         *badger.DB
	defaultTTL time.Duration
	gcStop     chan struct{}
}

// NewBadgerCache는 지정한 경로에 BadgerDB 캐시를 엽니다.
func NewBadgerCache(path string, defaultTTL time.Duration) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // 기본 로거 비활성화

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}

	c := &BadgerCache{
		db:         db,
		defaultTTL: defaultTTL,
		gcStop:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Get은 캐시에서 스냅샷을 조회합니다. 없거나 만료되었으면 ErrCacheMiss를 반환합니다.
func (c *BadgerCache) Get(ctx context.Context, id string) (*Snapshot, error) {
	var snapshot Snapshot
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return bson.Unmarshal(val, &snapshot)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	return &snapshot, nil
}

// Set은 스냅샷을 캐시에 저장합니다.
func (c *BadgerCache) Set(ctx context.Context, snapshot *Snapshot, ttl time.Duration) error {
	value, err := bson.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(snapshot.ID), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}
	return nil
}

// Delete는 스냅샷을 캐시에서 제거합니다.
func (c *BadgerCache) Delete(ctx context.Context, id string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

// Close는 가비지 컬렉션을 멈추고 데이터베이스를 닫습니다.
func (c *BadgerCache) Close() error {
	close(c.gcStop)
	return c.db.Close()
}

// runGC는 주기적으로 밸류 로그 공간을 회수합니다.
func (c *BadgerCache) runGC() {
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.gcStop:
			return
		case <-ticker.C:
			// 회수할 공간이 없다는 오류가 나올 때까지 반복 실행
			for c.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
