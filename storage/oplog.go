package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// 메모리 연산 기록의 문서당 기본 보관 한도
const defaultOpLogLimit = 4096

// OpEntry 구조체는 문서에 적용된 단일 연산 기록을 나타냅니다.
// Components는 와이어 형식 그대로의 JSON 배열 문자열입니다.
type OpEntry struct {
	DocID      string    `bson:"doc_id" json:"docId"`
	Version    uint64    `bson:"version" json:"version"`
	AuthorID   string    `bson:"author_id" json:"authorId"`
	Components string    `bson:"components" json:"components"`
	AppliedAt  time.Time `bson:"applied_at" json:"appliedAt"`
}

// OpLog 인터페이스는 문서별 연산 감사 기록의 기능을 정의합니다.
type OpLog interface {
	// Append는 적용된 연산을 기록합니다.
	Append(ctx context.Context, entry *OpEntry) error

	// Tail은 특정 버전 이후의 연산 기록을 버전 오름차순으로 조회합니다.
	// limit이 0보다 크면 반환 개수를 제한합니다.
	Tail(ctx context.Context, docID string, afterVersion uint64, limit int64) ([]*OpEntry, error)

	// Close는 연산 기록 저장소를 닫습니다.
	Close() error
}

// MemoryOpLog는 메모리 기반 연산 기록 구현체입니다.
// 문서당 보관 개수를 제한하고 오래된 기록부터 버립니다.
type MemoryOpLog struct {
	mu      sync.RWMutex
	entries map[string][]*OpEntry
	perDoc  int
}

// NewMemoryOpLog는 새로운 메모리 연산 기록을 생성합니다.
// perDoc이 0 이하면 기본 한도를 사용합니다.
func NewMemoryOpLog(perDoc int) *MemoryOpLog {
	if perDoc <= 0 {
		perDoc = defaultOpLogLimit
	}
	return &MemoryOpLog{
		entries: make(map[string][]*OpEntry),
		perDoc:  perDoc,
	}
}

// Append는 적용된 연산을 기록합니다.
func (l *MemoryOpLog) Append(ctx context.Context, entry *OpEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := *entry
	if stored.AppliedAt.IsZero() {
		stored.AppliedAt = time.Now()
	}

	list := append(l.entries[entry.DocID], &stored)
	if len(list) > l.perDoc {
		list = list[len(list)-l.perDoc:]
	}
	l.entries[entry.DocID] = list
	return nil
}

// Tail은 특정 버전 이후의 연산 기록을 조회합니다.
func (l *MemoryOpLog) Tail(ctx context.Context, docID string, afterVersion uint64, limit int64) ([]*OpEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*OpEntry
	for _, entry := range l.entries[docID] {
		if entry.Version <= afterVersion {
			continue
		}
		copied := *entry
		result = append(result, &copied)
		if limit > 0 && int64(len(result)) >= limit {
			break
		}
	}
	return result, nil
}

// Close는 연산 기록 저장소를 닫습니다.
func (l *MemoryOpLog) Close() error {
	return nil
}

// MongoOpLog는 MongoDB 기반 연산 기록 구현체입니다.
type MongoOpLog struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoOpLog는 새로운 MongoDB 연산 기록을 생성합니다.
func NewMongoOpLog(ctx context.Context, client *mongo.Client, database, collection string, logger *zap.Logger) (*MongoOpLog, error) {
	coll := client.Database(database).Collection(collection)

	// 인덱스 생성
	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "doc_id", Value: 1},
				{Key: "version", Value: -1},
			},
		},
		{
			Keys: bson.D{{Key: "applied_at", Value: 1}},
		},
	}

	_, err := coll.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoOpLog{
		collection: coll,
		logger:     logger,
	}, nil
}

// Append는 적용된 연산을 기록합니다.
func (l *MongoOpLog) Append(ctx context.Context, entry *OpEntry) error {
	stored := *entry
	if stored.AppliedAt.IsZero() {
		stored.AppliedAt = time.Now()
	}

	_, err := l.collection.InsertOne(ctx, &stored)
	if err != nil {
		return fmt.Errorf("failed to insert op entry: %w", err)
	}

	l.logger.Debug("Appended op entry",
		zap.String("doc_id", entry.DocID),
		zap.Uint64("version", entry.Version),
		zap.String("author_id", entry.AuthorID))

	return nil
}

// Tail은 특정 버전 이후의 연산 기록을 조회합니다.
func (l *MongoOpLog) Tail(ctx context.Context, docID string, afterVersion uint64, limit int64) ([]*OpEntry, error) {
	filter := bson.M{
		"doc_id":  docID,
		"version": bson.M{"$gt": afterVersion},
	}

	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}

	cursor, err := l.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find op entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*OpEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode op entries: %w", err)
	}
	return entries, nil
}

// Close는 연산 기록 저장소를 닫습니다. MongoDB 클라이언트는 외부에서 관리합니다.
func (l *MongoOpLog) Close() error {
	return nil
}
