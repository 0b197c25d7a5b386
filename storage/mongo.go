package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoStore는 MongoDB 기반 문서 스냅샷 저장소 구현체입니다.
type MongoStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore는 새로운 MongoDB 저장소를 생성합니다.
func NewMongoStore(ctx context.Context, client *mongo.Client, database, collection string, logger *zap.Logger) (*MongoStore, error) {
	coll := client.Database(database).Collection(collection)

	// 인덱스 생성
	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
		},
	}

	_, err := coll.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoStore{
		collection: coll,
		logger:     logger,
	}, nil
}

// Load는 문서 스냅샷을 조회합니다.
func (s *MongoStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	var snapshot Snapshot
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&snapshot)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	s.logger.Debug("Loaded document snapshot",
		zap.String("doc_id", snapshot.ID),
		zap.Uint64("version", snapshot.Version))

	return &snapshot, nil
}

// Save는 문서 스냅샷을 저장합니다. 이미 저장된 버전이 더 높거나 같으면
// 쓰기를 무시합니다.
func (s *MongoStore) Save(ctx context.Context, snapshot *Snapshot) error {
	// 더 낮은 버전이 저장된 경우에만 갱신
	filter := bson.M{
		"_id":     snapshot.ID,
		"version": bson.M{"$lt": snapshot.Version},
	}
	update := bson.M{
		"$set": bson.M{
			"text":       snapshot.Text,
			"version":    snapshot.Version,
			"updated_at": time.Now(),
		},
	}

	_, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// 더 높은 버전이 이미 저장된 경우 upsert가 _id 충돌로 실패합니다.
		if mongo.IsDuplicateKeyError(err) {
			s.logger.Debug("Stale snapshot dropped",
				zap.String("doc_id", snapshot.ID),
				zap.Uint64("version", snapshot.Version))
			return nil
		}
		return fmt.Errorf("failed to save document: %w", err)
	}

	s.logger.Debug("Saved document snapshot",
		zap.String("doc_id", snapshot.ID),
		zap.Uint64("version", snapshot.Version))

	return nil
}

// Close는 저장소를 닫습니다. MongoDB 클라이언트는 외부에서 관리하므로
// 여기서는 특별한 작업이 필요 없습니다.
func (s *MongoStore) Close() error {
	return nil
}
