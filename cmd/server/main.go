package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"docsync/auth"
	"docsync/session"
	"docsync/storage"
	"docsync/transport"
)

const (
	snapshotCollection = "snapshots"
	oplogCollection    = "oplog"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	mongoURI := flag.String("mongo", "", "MongoDB connection URI (empty for in-memory storage)")
	dbName := flag.String("db", "docsync", "MongoDB database name")
	redisAddr := flag.String("redis", "", "Redis address for snapshot caching (empty to disable)")
	cacheDir := flag.String("cache-dir", "", "directory for an embedded snapshot cache (ignored when -redis is set)")
	cacheTTL := flag.Duration("cache-ttl", 5*time.Minute, "snapshot cache TTL")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for JWT verification (empty accepts any token)")
	history := flag.Int("history", 0, "operation history window per document (0 for default)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := createLogger(*debug)
	defer logger.Sync()

	// 저장소 구성: MongoDB가 없으면 메모리 저장소로 동작합니다.
	var (
		store       storage.Store
		oplog       storage.OpLog
		mongoClient *mongo.Client
	)
	if *mongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
		if err != nil {
			cancel()
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		if err := client.Ping(ctx, nil); err != nil {
			cancel()
			logger.Fatal("Failed to ping MongoDB", zap.Error(err))
		}
		mongoClient = client

		mongoStore, err := storage.NewMongoStore(ctx, client, *dbName, snapshotCollection, logger)
		if err != nil {
			cancel()
			logger.Fatal("Failed to create snapshot store", zap.Error(err))
		}
		mongoOpLog, err := storage.NewMongoOpLog(ctx, client, *dbName, oplogCollection, logger)
		if err != nil {
			cancel()
			logger.Fatal("Failed to create operation log", zap.Error(err))
		}
		cancel()

		store = mongoStore
		oplog = mongoOpLog
		logger.Info("Connected to MongoDB",
			zap.String("uri", *mongoURI),
			zap.String("db", *dbName))
	} else {
		logger.Warn("MongoDB not configured, documents will not survive restarts")
		store = storage.NewMemoryStore()
		oplog = storage.NewMemoryOpLog(0)
	}

	// 스냅샷 캐시 구성: Redis가 우선이고, 없으면 내장 디스크 캐시를 씁니다.
	if *redisAddr != "" {
		cache, err := storage.NewRedisCache(*redisAddr, *cacheTTL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		store = storage.NewCachedStore(store, cache, *cacheTTL, logger)
		logger.Info("Snapshot cache enabled", zap.String("addr", *redisAddr))
	} else if *cacheDir != "" {
		cache, err := storage.NewBadgerCache(*cacheDir, *cacheTTL)
		if err != nil {
			logger.Fatal("Failed to open embedded cache", zap.Error(err))
		}
		store = storage.NewCachedStore(store, cache, *cacheTTL, logger)
		logger.Info("Snapshot cache enabled", zap.String("dir", *cacheDir))
	}

	// 인증 구성
	var verifier auth.Verifier
	if *jwtSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(*jwtSecret))
	} else {
		logger.Warn("JWT secret not configured, any token is accepted as a user id")
		verifier = auth.InsecureVerifier{}
	}

	sessionCfg := session.DefaultConfig()
	if *history > 0 {
		sessionCfg.HistoryWindow = *history
	}

	registry := session.NewRegistry(store, oplog, logger, sessionCfg)
	server := transport.NewServer(*addr, registry, verifier, logger, transport.DefaultConfig())
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// 종료 신호 대기
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	if err := oplog.Close(); err != nil {
		logger.Error("Operation log close error", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("Store close error", zap.Error(err))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Error("MongoDB disconnect error", zap.Error(err))
		}
	}
}

// createLogger creates a new logger
func createLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		config.Development = true
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := config.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}
