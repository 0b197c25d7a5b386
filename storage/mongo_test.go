package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// setupMongo는 테스트용 MongoDB 연결을 설정합니다.
// MongoDB에 연결할 수 없으면 테스트를 건너뜁니다.
func setupMongo(t *testing.T) (*mongo.Client, string, func()) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("Skipping MongoDB test: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("Skipping MongoDB test: %v", err)
	}

	// 테스트용 데이터베이스 이름 (고유한 이름 생성)
	dbName := "docsync_test_" + uuid.NewString()[:8]

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	}
	return client, dbName, cleanup
}

func TestMongoStoreSaveLoad(t *testing.T) {
	client, dbName, cleanup := setupMongo(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewMongoStore(ctx, client, dbName, "documents", zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, &Snapshot{ID: "doc-1", Text: "hello", Version: 3}))

	snapshot, err := store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", snapshot.Text)
	assert.Equal(t, uint64(3), snapshot.Version)
	assert.False(t, snapshot.UpdatedAt.IsZero())
}

func TestMongoStoreVersionGuard(t *testing.T) {
	client, dbName, cleanup := setupMongo(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewMongoStore(ctx, client, dbName, "documents", zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, &Snapshot{ID: "doc-1", Text: "v5", Version: 5}))

	// 같은 버전과 더 낮은 버전의 쓰기는 무시됩니다.
	require.NoError(t, store.Save(ctx, &Snapshot{ID: "doc-1", Text: "stale", Version: 5}))
	require.NoError(t, store.Save(ctx, &Snapshot{ID: "doc-1", Text: "older", Version: 2}))

	snapshot, err := store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v5", snapshot.Text)

	require.NoError(t, store.Save(ctx, &Snapshot{ID: "doc-1", Text: "v6", Version: 6}))

	snapshot, err = store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v6", snapshot.Text)
	assert.Equal(t, uint64(6), snapshot.Version)
}

func TestMongoOpLogAppendTail(t *testing.T) {
	client, dbName, cleanup := setupMongo(t)
	defer cleanup()

	ctx := context.Background()
	oplog, err := NewMongoOpLog(ctx, client, dbName, "oplog", zap.NewNop())
	require.NoError(t, err)
	defer oplog.Close()

	for v := uint64(1); v <= 5; v++ {
		err := oplog.Append(ctx, &OpEntry{
			DocID:      "doc-1",
			Version:    v,
			AuthorID:   "alice",
			Components: `[1,"x"]`,
		})
		require.NoError(t, err)
	}

	entries, err := oplog.Tail(ctx, "doc-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[0].Version)
	assert.Equal(t, uint64(5), entries[2].Version)

	entries, err = oplog.Tail(ctx, "doc-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Version)
}
