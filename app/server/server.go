// Package server wires the configured backends into the HTTP application.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"contractrag/app/agent"
	"contractrag/app/api"
	"contractrag/app/extractor"
	"contractrag/app/metrics"
	"contractrag/app/middleware"
	"contractrag/app/risk"
	"contractrag/app/webhook"
	"contractrag/config"
	"contractrag/loader"
	"contractrag/loader/chunker"
	"contractrag/model"
	"contractrag/prompts"
	"contractrag/store"
	"contractrag/types"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// Server owns every long-lived client. The CLI uses the same instance for
// one-shot commands without starting the listener.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Storer
	redis     *redis.Client
	metrics   *metrics.Metrics
	engine    *agent.Engine
	extractor *extractor.Extractor
	analyzer  *risk.Analyzer
	notifier  *webhook.Notifier
	ingestor  *loader.Ingestor

	embedder  model.Embedder
	generator model.Generator
	app       *fiber.App
}

type Option func(*Server)

// WithEmbedder replaces the Ollama embedder.
func WithEmbedder(e model.Embedder) Option {
	return func(s *Server) { s.embedder = e }
}

// WithGenerator replaces the configured LLM backend.
func WithGenerator(g model.Generator) Option {
	return func(s *Server) { s.generator = g }
}

// WithStore skips opening the configured store.
func WithStore(st store.Storer) Option {
	return func(s *Server) { s.store = st }
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.app = s.newApp()
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	if s.store == nil {
		st, err := OpenStore(ctx, s.cfg)
		if err != nil {
			return err
		}
		s.store = st
	}

	var cache model.EmbeddingCache
	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return types.ConfigurationError("REDIS_URL: %v", err)
		}
		s.redis = redis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("[CACHE] redis not reachable, embeddings will not be cached until it is", "error", err)
		}
		cache = model.NewRedisCache(s.redis, s.cfg.EmbeddingCacheTTL)
	}

	if s.embedder == nil {
		s.embedder = model.NewEmbedder(model.EmbedderConfig{
			URL:         s.cfg.EmbeddingURL,
			Model:       s.cfg.EmbeddingModel,
			Dimensions:  s.cfg.EmbeddingDim,
			Concurrency: s.cfg.EmbeddingConcurrency,
		}, cache)
	}
	if s.generator == nil {
		gen, err := model.NewGenerator(model.GeneratorConfig{
			Provider: s.cfg.LLMProvider,
			URL:      s.cfg.LLMURL,
			Model:    s.cfg.LLMModel,
			APIKey:   s.cfg.AnthropicAPIKey,
		})
		if err != nil {
			return err
		}
		s.generator = gen
	}

	p, err := prompts.Load(s.cfg.PromptsFile)
	if err != nil {
		return err
	}
	ch, err := chunker.New(s.cfg.ChunkSize, s.cfg.ChunkOverlap, chunker.WithOffsetMode(chunker.OffsetMode(s.cfg.ChunkOffsets)))
	if err != nil {
		return err
	}
	synth := agent.NewSynthesizer(s.generator, p, agent.WithMaxContextTokens(s.cfg.MaxContextTokens))
	s.engine, err = agent.NewEngine(ch, s.embedder, s.store, synth)
	if err != nil {
		return err
	}

	s.extractor = extractor.New(s.generator, p)
	s.analyzer = risk.New(s.generator, p)
	s.notifier = webhook.NewNotifier(s.store, webhook.WithMetrics(s.metrics))
	s.ingestor, err = loader.NewIngestor(s.store, s.engine, s.notifier, s.metrics, loader.Options{
		UploadDir:  s.cfg.UploadDir,
		MaxBytes:   s.cfg.MaxUploadBytes(),
		CropTop:    s.cfg.PDFCropTop,
		CropBottom: s.cfg.PDFCropBottom,
	})
	return err
}

// OpenStore connects to the configured backend and makes sure its schema
// exists.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Storer, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pg.Init(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
		return pg, nil
	case config.BackendSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath, cfg.EmbeddingDim)
	case config.BackendMemory:
		return store.NewMemoryStore(cfg.EmbeddingDim), nil
	}
	return nil, types.ConfigurationError("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "contractrag",
		ErrorHandler:          api.ErrorHandler,
		BodyLimit:             int(s.cfg.MaxUploadBytes()) + 1<<20,
		DisableStartupMessage: true,
	})

	if s.cfg.APIKey == "" {
		s.logger.Warn("[SERVER] API_KEY is empty, authentication disabled")
	}

	var redisPing api.PingFunc
	if s.redis != nil {
		redisPing = func(ctx context.Context) error { return s.redis.Ping(ctx).Err() }
	}

	var (
		checkHandler    = api.NewCheckHandler(s.store.Ping, redisPing)
		fileHandler     = api.NewFileHandler(s.ingestor, s.store)
		requestHandler  = api.NewRequestHandler(s.engine, s.metrics)
		contractHandler = api.NewContractHandler(s.store, s.extractor, s.analyzer, s.notifier, s.metrics)
		webhookHandler  = api.NewWebhookHandler(s.store)
	)

	app.Use(middleware.Metrics(s.metrics))
	app.Use(recover.New())
	app.Use(middleware.NewRateLimiter(s.cfg.RateLimitPerMinute).Handler())
	app.Use(middleware.APIKey(s.cfg.APIKey, "/", "/healthz", "/metrics"))

	app.Get("/", checkHandler.HandleRoot)
	app.Get("/healthz", checkHandler.HandleHealthy)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	apiv1 := app.Group("/api/v1")
	apiv1.Post("/ingest", fileHandler.HandleIngest)
	apiv1.Delete("/documents/:id", fileHandler.HandleDelete)
	apiv1.Post("/extract", contractHandler.HandleExtract)
	apiv1.Post("/audit", contractHandler.HandleAudit)
	apiv1.Post("/ask", requestHandler.HandleAsk)
	apiv1.Get("/ask/stream", requestHandler.HandleStream)
	apiv1.Post("/webhook/events", webhookHandler.HandleCreate)
	apiv1.Get("/webhook/events", webhookHandler.HandleList)
	apiv1.Delete("/webhook/events/:id", webhookHandler.HandleDelete)

	return app
}

func (s *Server) App() *fiber.App { return s.app }
func (s *Server) Engine() *agent.Engine { return s.engine }
func (s *Server) Ingestor() *loader.Ingestor { return s.ingestor }
func (s *Server) Store() store.Storer { return s.store }

// Run listens until ctx is cancelled, then drains in-flight requests and
// webhook deliveries.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[SERVER] listening", "addr", s.cfg.ServerAddr, "store", s.cfg.StoreBackend, "llm", s.generator.ModelName())
		errCh <- s.app.Listen(s.cfg.ServerAddr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", s.cfg.ServerAddr, err)
	case <-ctx.Done():
	}

	s.logger.Info("[SERVER] received shutdown signal, shutting down gracefully")
	err := s.app.ShutdownWithTimeout(shutdownTimeout)
	s.notifier.Wait()
	return err
}

// Close waits for pending webhooks and releases the store and cache.
func (s *Server) Close() error {
	if s.notifier != nil {
		s.notifier.Wait()
	}
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	s.logger.Info("[SERVER] server stopped")
	return errors.Join(errs...)
}
