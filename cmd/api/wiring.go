package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rag-agent/backend/internal/cache/redis"
	"github.com/rag-agent/backend/internal/embedding"
	"github.com/rag-agent/backend/internal/memory"
	"github.com/rag-agent/backend/internal/vector"
	memvec "github.com/rag-agent/backend/internal/vector/memory"
	"github.com/rag-agent/backend/internal/vector/milvus"
	neo4jvec "github.com/rag-agent/backend/internal/vector/neo4j"
	"github.com/rag-agent/backend/internal/vector/pgvector"
	"github.com/rag-agent/backend/pkg/config"
)

const setupTimeout = 30 * time.Second

// opened keeps a failed constructor's nil *Store out of the interface.
func opened[S vector.Store](s S, err error) (vector.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// openVectorStore opens the configured backend. suffix separates the turn
// store from the chunk store when both live in the same backend.
func openVectorStore(ctx context.Context, cfg *config.Config, backend, suffix string) (vector.Store, error) {
	dim := cfg.Embedding.Dimension
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	switch backend {
	case "memory":
		return memvec.NewStore(dim), nil
	case "pgvector":
		return opened(pgvector.NewStore(ctx, cfg.Postgres.DSN, cfg.Postgres.Table+suffix, dim))
	case "milvus":
		return opened(milvus.NewStore(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName+suffix, dim))
	case "neo4j":
		label := "Chunk"
		if suffix != "" {
			label = "Turn"
		}
		return opened(neo4jvec.NewStore(ctx, neo4jvec.Options{
			URI:       cfg.Neo4j.URI,
			Username:  cfg.Neo4j.Username,
			Password:  cfg.Neo4j.Password,
			Database:  cfg.Neo4j.Database,
			IndexName: cfg.Neo4j.IndexName + suffix,
			Label:     label,
			Dimension: dim,
		}))
	default:
		return nil, fmt.Errorf("unknown vector backend %q", backend)
	}
}

func openTurnStore(ctx context.Context, cfg *config.Config) (vector.Store, error) {
	if cfg.Vector.MemoryBackend == "shared" {
		return openVectorStore(ctx, cfg, cfg.Vector.Backend, "_turns")
	}
	return openVectorStore(ctx, cfg, "memory", "")
}

// sharedState is the cache and session locker. Redis backs both when it is
// enabled; otherwise they are in-process.
type sharedState struct {
	cache  embedding.Cache
	locker memory.Locker
	redis  *redis.Client
}

func openSharedState(ctx context.Context, cfg *config.Config) (*sharedState, error) {
	ttl := time.Duration(cfg.Embedding.CacheTTLSec) * time.Second
	lockWait := time.Duration(cfg.Memory.LockWaitSec) * time.Second

	if !cfg.Redis.Enabled {
		return &sharedState{
			cache:  embedding.NewLRUCache(cfg.Embedding.CacheSize, ttl),
			locker: memory.NewLocalLocker(lockWait),
		}, nil
	}

	rc, err := redis.NewClient(ctx, redis.Options{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		EmbeddingTTL: ttl,
		LockTTL:      time.Duration(cfg.Memory.LockTTLSec) * time.Second,
		LockWait:     lockWait,
	})
	if err != nil {
		return nil, err
	}
	return &sharedState{cache: rc, locker: rc, redis: rc}, nil
}

func (s *sharedState) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
