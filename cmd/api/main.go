package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/api/handlers"
	"github.com/rag-agent/backend/internal/chunker"
	"github.com/rag-agent/backend/internal/embedding"
	"github.com/rag-agent/backend/internal/ingestion"
	"github.com/rag-agent/backend/internal/llm"
	"github.com/rag-agent/backend/internal/memory"
	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/internal/middleware/ratelimit"
	"github.com/rag-agent/backend/internal/middleware/security"
	"github.com/rag-agent/backend/internal/middleware/validation"
	"github.com/rag-agent/backend/internal/query"
	"github.com/rag-agent/backend/internal/router"
	"github.com/rag-agent/backend/internal/storage/sqlite"
	"github.com/rag-agent/backend/pkg/config"
	appLogger "github.com/rag-agent/backend/pkg/logger"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting RAG agent API server",
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("embedding_provider", cfg.Embedding.Provider),
	)
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	shared, err := openSharedState(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer shared.Close()

	provider, err := embedding.NewProvider(ctx, cfg.Embedding)
	if err != nil {
		appLogger.Fatal("Failed to create embedding provider", zap.Error(err))
	}
	generator, err := embedding.NewGenerator(provider, embedding.Config{
		Dimension:   cfg.Embedding.Dimension,
		Workers:     cfg.Embedding.Workers,
		BatchSize:   cfg.Embedding.BatchSize,
		MaxAttempts: cfg.Embedding.MaxAttempts,
		Timeout:     time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	}, shared.cache)
	if err != nil {
		appLogger.Fatal("Embedding configuration rejected", zap.Error(err))
	}

	chunkStore, err := openVectorStore(ctx, cfg, cfg.Vector.Backend, "")
	if err != nil {
		appLogger.Fatal("Failed to open vector store", zap.Error(err))
	}
	defer chunkStore.Close()

	turnStore, err := openTurnStore(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to open turn store", zap.Error(err))
	}
	defer turnStore.Close()

	llmManager, err := llm.NewManagerFromConfig(ctx, cfg.LLM)
	if err != nil {
		appLogger.Fatal("Failed to configure LLM providers", zap.Error(err))
	}
	if !llmManager.Available() {
		appLogger.Warn("No generative provider configured; only retrieval-free answers will work")
	}

	// The generative tier and assisted extraction need a provider.
	var chat router.Chatter
	var extractor memory.Extractor = &memory.PatternExtractor{UseNER: true}
	if llmManager.Available() {
		chat = llmManager
		if cfg.Memory.LLMExtraction {
			extractor = &memory.CombinedExtractor{
				Patterns: &memory.PatternExtractor{UseNER: true},
				Assisted: memory.NewLLMExtractor(llmManager),
			}
		}
	}

	queryRouter, err := router.New(cfg.Router, chat, generator)
	if err != nil {
		appLogger.Fatal("Router configuration rejected", zap.Error(err))
	}

	vectorTimeout := time.Duration(cfg.Vector.TimeoutSec) * time.Second
	memoryManager := memory.NewManager(sqliteClient, turnStore, generator, extractor, memory.Config{
		RecentWindow:      cfg.Memory.RecentWindow,
		SemanticEvery:     cfg.Memory.SemanticEvery,
		SemanticThreshold: cfg.Memory.SemanticThreshold,
		SemanticLimit:     cfg.Memory.SemanticLimit,
		Timeout:           vectorTimeout,
	})

	textChunker, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.Chunking.Text.Size,
		Overlap:      cfg.Chunking.Text.Overlap,
		MinChunkSize: cfg.Chunking.Text.MinSize,
		RowsPerChunk: cfg.Chunking.Rows.RowsPerChunk,
		OverlapRows:  cfg.Chunking.Rows.OverlapRows,
	})
	if err != nil {
		appLogger.Fatal("Chunking configuration rejected", zap.Error(err))
	}

	processor := ingestion.NewProcessor(sqliteClient, chunkStore, generator, textChunker, chunker.Strategy(cfg.Chunking.Text.Strategy)).
		WithVectorTimeout(vectorTimeout)
	queryEngine := query.NewEngine(query.Deps{
		Memory:   memoryManager,
		Router:   queryRouter,
		Embedder: generator,
		Vectors:  chunkStore,
		LLM:      llmManager,
		History:  sqliteClient,
		Locker:   shared.locker,
	}, query.Options{
		RetrievalThreshold: cfg.Retrieval.Threshold,
		RetrievalLimit:     cfg.Retrieval.Limit,
		SearchTimeout:      vectorTimeout,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(cfg.Server.RateLimit),
		Burst:             cfg.Server.RateBurst,
		Logger:            appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	queryHandler := handlers.NewQueryHandler(queryEngine)
	documentHandler := handlers.NewDocumentHandler(processor)
	sessionHandler := handlers.NewSessionHandler(memoryManager, sqliteClient)
	wsHandler := handlers.NewWebSocketHandler(queryEngine, time.Duration(cfg.Server.WriteTimeout)*time.Second)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		checkCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := sqliteClient.Ping(checkCtx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "component": "sqlite"})
		}
		if shared.redis != nil {
			if err := shared.redis.Ping(checkCtx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "component": "redis"})
			}
		}
		return c.JSON(fiber.Map{
			"status":        "ready",
			"llm_providers": llmManager.Providers(),
		})
	})

	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.Named("validation"),
	}))

	api.Post("/query", queryHandler.HandleQuery)
	api.Post("/documents", documentHandler.UploadDocument)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)
	api.Post("/sessions", sessionHandler.CreateSession)
	api.Get("/sessions/:id/history", sessionHandler.GetHistory)
	api.Get("/sessions/:id/context/:type", sessionHandler.GetContext)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws/query", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
