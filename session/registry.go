package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"docsync/storage"
)

// ErrRegistryClosed is returned when the registry is shutting down
var ErrRegistryClosed = errors.New("registry is closed")

// Registry 구조체는 문서 ID별로 세션 액터를 관리합니다.
type Registry struct {
	store  storage.Store
	oplog  storage.OpLog
	logger *zap.Logger
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry는 새로운 세션 레지스트리를 생성합니다. oplog는 nil일 수 있습니다.
func NewRegistry(store storage.Store, oplog storage.OpLog, logger *zap.Logger, cfg Config) *Registry {
	return &Registry{
		store:    store,
		oplog:    oplog,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate는 문서의 세션을 반환하고, 없으면 저장소에서 문서를 읽어
// 새로 시작합니다. 종료 중인 세션을 만나면 레지스트리에서 완전히 빠지기를
// 기다린 뒤 새 세션을 만듭니다.
func (r *Registry) GetOrCreate(ctx context.Context, docID string) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if s, ok := r.sessions[docID]; ok {
			if !s.Draining() {
				r.mu.Unlock()
				return s, nil
			}
			r.mu.Unlock()
			select {
			case <-s.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		r.mu.Unlock()

		// 저장소 조회는 잠금 밖에서 수행
		text, version := "", uint64(0)
		snapshot, err := r.store.Load(ctx, docID)
		switch {
		case err == nil:
			text, version = snapshot.Text, snapshot.Version
		case errors.Is(err, storage.ErrNotFound):
			// 새 문서는 빈 내용으로 시작
		default:
			return nil, err
		}

		s := NewSession(docID, text, version, r.store, r.oplog, r.logger, r.cfg)
		s.registry = r

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if existing, ok := r.sessions[docID]; ok {
			// 동시 생성 경쟁에서 진 경우 기존 세션을 사용
			r.mu.Unlock()
			if !existing.Draining() {
				return existing, nil
			}
			select {
			case <-existing.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		r.sessions[docID] = s
		r.mu.Unlock()

		s.Start()
		r.logger.Info("Session created",
			zap.String("doc_id", docID),
			zap.Uint64("version", version))
		return s, nil
	}
}

// Get은 실행 중인 세션을 반환합니다. 없으면 nil을 반환합니다.
func (r *Registry) Get(docID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[docID]
}

// remove는 세션이 아직 등록되어 있는 경우에만 레지스트리에서 제거합니다.
// 같은 문서의 새 세션을 지우지 않도록 포인터를 비교합니다.
func (r *Registry) remove(docID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[docID]; ok && current == s {
		delete(r.sessions, docID)
	}
}

// Len은 실행 중인 세션 수를 반환합니다.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats는 모든 세션의 상태 요약을 반환합니다.
func (r *Registry) Stats(ctx context.Context) []Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		st, err := s.Stats(ctx)
		if err != nil {
			// 종료 중인 세션은 건너뜀
			continue
		}
		stats = append(stats, st)
	}
	return stats
}

// Shutdown은 모든 세션을 종료하고 새 세션 생성을 막습니다.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Drain(ctx); err != nil {
			return err
		}
	}

	r.logger.Info("Registry shut down", zap.Int("sessions", len(sessions)))
	return nil
}
