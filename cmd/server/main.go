package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/oraltrainer/internal/api"
	"github.com/wuwenbin0122/oraltrainer/internal/auth"
	"github.com/wuwenbin0122/oraltrainer/internal/conversation"
	"github.com/wuwenbin0122/oraltrainer/internal/db"
	"github.com/wuwenbin0122/oraltrainer/internal/llm"
	"github.com/wuwenbin0122/oraltrainer/internal/pipeline"
	"github.com/wuwenbin0122/oraltrainer/internal/speech"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: failed to initialise: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("postgres: failed to connect", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.Ping(ctx); err != nil {
		logger.Fatal("postgres: ping failed", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx); err != nil {
		logger.Fatal("postgres: ensure schema", zap.Error(err))
	}

	authService, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL, db.NewUserStore(postgres.Pool))
	if err != nil {
		logger.Fatal("failed to initialise auth service", zap.Error(err))
	}

	store, closeStore, err := openConversationStore(ctx, cfg, postgres, logger)
	if err != nil {
		logger.Fatal("conversation store: failed to open", zap.Error(err))
	}
	defer closeStore()

	generator, err := newGenerator(cfg.LLM, logger)
	if err != nil {
		logger.Fatal("llm: failed to initialise generator", zap.Error(err))
	}

	transcriber, speaker := newSpeechClients(cfg.Speech, logger)

	turns := pipeline.New(store, transcriber, generator, speaker, cfg.Pipeline, logger)
	handler := api.NewHandler(api.Dependencies{
		Auth:          authService,
		Conversations: store,
		Pipeline:      turns,
		Voices:        speaker,
		MaxAudioBytes: cfg.Pipeline.MaxAudioBytes,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           setupRouter(handler, logger),
		ReadHeaderTimeout: 15 * time.Second,
		// long enough for every stage of one chat turn
		WriteTimeout: cfg.Pipeline.TranscriptionTimeout + cfg.Pipeline.GenerationTimeout + cfg.Pipeline.SynthesisTimeout + cfg.Pipeline.CommitTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr), zap.String("llm_backend", cfg.LLM.Backend), zap.String("conversation_store", cfg.ConversationStore))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server crashed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}

func setupRouter(handler *api.Handler, logger *zap.Logger) http.Handler {
	router := gin.New()
	router.Use(utils.GinLogger(logger.Named("http")), gin.Recovery())

	handler.RegisterRoutes(router)

	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})(router)
}

// openConversationStore picks the backend named by CONVERSATION_STORE and, when
// Redis is configured, serialises appends across server instances.
func openConversationStore(ctx context.Context, cfg *utils.Config, postgres *db.Postgres, logger *zap.Logger) (conversation.Store, func(), error) {
	var (
		store   conversation.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.ConversationStore {
	case utils.StoreMongo:
		mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: connect: %w", err)
		}
		closers = append(closers, func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				logger.Warn("mongo: close error", zap.Error(err))
			}
		})
		if err := mongoStore.EnsureCollections(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mongo: ensure collections: %w", err)
		}
		store = db.NewMongoConversationStore(mongoStore)

	default:
		gormDB, err := db.NewGORM(cfg.Postgres.BuildDSN())
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if sqlDB, err := gormDB.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		pgStore, err := db.NewConversationStore(postgres.Pool, db.NewCatalog(gormDB))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		store = pgStore
	}

	if cfg.Redis.Enabled() {
		client, err := db.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis: connect: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		store = conversation.Serialized(store, db.NewRedisLocker(client, cfg.Redis.LockTTL))
		logger.Info("conversation appends serialised through redis", zap.String("addr", cfg.Redis.Addr))
	}

	return store, closeAll, nil
}

func newGenerator(cfg utils.LLMConfig, logger *zap.Logger) (llm.Generator, error) {
	sugar := logger.Named("llm").Sugar()
	if cfg.Backend == utils.LLMBackendOllama {
		return llm.NewOllamaGenerator(cfg, sugar)
	}
	return llm.NewOpenAIGenerator(cfg, sugar)
}

// newSpeechClients defers construction of the ASR and TTS clients to their
// first use so the server starts even when the speech backend is unreachable.
func newSpeechClients(cfg utils.SpeechConfig, logger *zap.Logger) (speech.Transcriber, speech.Speaker) {
	sugar := logger.Named("speech").Sugar()

	transcriber := speech.NewLazyTranscriber(func(ctx context.Context) (speech.Transcriber, error) {
		return speech.NewASRClient(cfg, sugar)
	})

	speaker := speech.NewLazySpeaker(func(ctx context.Context) (speech.Speaker, error) {
		client, err := speech.NewTTSClient(cfg, sugar)
		if err != nil {
			return nil, err
		}
		if err := client.ResolveVoice(ctx); err != nil {
			sugar.Warnw("tts voice lookup failed; retrying on first synthesis", "error", err)
		}
		return client, nil
	})

	return transcriber, speaker
}
