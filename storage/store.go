package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist in the store
	ErrNotFound = errors.New("document not found")

	// ErrCacheMiss is returned when a snapshot is not found in cache
	ErrCacheMiss = errors.New("cache miss")
)

// Snapshot 구조체는 특정 버전의 문서 상태를 나타냅니다.
type Snapshot struct {
	ID        string    `bson:"_id" json:"id"`
	Text      string    `bson:"text" json:"text"`
	Version   uint64    `bson:"version" json:"version"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// Store 인터페이스는 문서 스냅샷 저장소의 기능을 정의합니다.
type Store interface {
	// Load는 문서 스냅샷을 조회합니다. 문서가 없으면 ErrNotFound를 반환합니다.
	Load(ctx context.Context, id string) (*Snapshot, error)

	// Save는 문서 스냅샷을 저장합니다. 이미 저장된 버전이 더 높거나 같으면
	// 쓰기를 무시합니다.
	Save(ctx context.Context, snapshot *Snapshot) error

	// Close는 저장소를 닫습니다.
	Close() error
}

// MemoryStore는 메모리 기반 저장소 구현체입니다.
// 테스트와 단일 프로세스 환경에서 사용합니다.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Snapshot
}

// NewMemoryStore는 새로운 메모리 저장소를 생성합니다.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Snapshot),
	}
}

// Load는 문서 스냅샷을 조회합니다.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &snapshot, nil
}

// Save는 문서 스냅샷을 저장합니다.
func (s *MemoryStore) Save(ctx context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 버전이 역행하는 쓰기는 무시
	if existing, ok := s.docs[snapshot.ID]; ok && existing.Version >= snapshot.Version {
		return nil
	}

	stored := *snapshot
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	s.docs[snapshot.ID] = stored
	return nil
}

// Close는 저장소를 닫습니다.
func (s *MemoryStore) Close() error {
	return nil
}
