package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ayash-Bera/agregador/internal/api/handlers"
	"github.com/Ayash-Bera/agregador/internal/cache"
	"github.com/Ayash-Bera/agregador/internal/config"
	"github.com/Ayash-Bera/agregador/internal/database"
	"github.com/Ayash-Bera/agregador/internal/health"
	"github.com/Ayash-Bera/agregador/internal/middleware"
	"github.com/Ayash-Bera/agregador/internal/migration"
	"github.com/Ayash-Bera/agregador/internal/ranking"
	"github.com/Ayash-Bera/agregador/internal/ratelimit"
	"github.com/Ayash-Bera/agregador/internal/repository"
	"github.com/Ayash-Bera/agregador/internal/services"
	"github.com/Ayash-Bera/agregador/internal/session"
	"github.com/Ayash-Bera/agregador/internal/sources/catalog"
	"github.com/Ayash-Bera/agregador/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	gin.SetMode(cfg.Server.Mode)

	dbManager, err := database.NewManager(&database.Config{
		DatabaseURL: cfg.Database.URL,
		RedisURL:    cfg.Redis.URL,
		LogLevel:    cfg.LogLevel,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database manager")
	}
	defer dbManager.Close()

	if err := migration.NewRunner(dbManager, logger).RunMigrations("migrations"); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	var repoManager *repository.RepositoryManager
	if dbManager.DB != nil {
		repoManager = repository.NewRepositoryManager(dbManager.DB)
	} else {
		logger.Warn("DATABASE_URL not set, analytics and health history are disabled")
	}

	var store cache.Store
	if dbManager.Redis != nil {
		store = cache.NewRedisStore(dbManager.Redis)
	} else {
		store = cache.NewMemoryStore(cfg.Search.CacheMaxEntries, cfg.Search.CacheTTL)
	}
	pageCache := cache.New(store, cfg.Search.CacheTTL, logger)

	sourceLimiter := ratelimit.New()
	registry, err := catalog.Build(cfg, sourceLimiter, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build source registry")
	}

	sessions := session.NewManager(session.Options{
		TTL:            cfg.Search.SessionTTL,
		MaxSessions:    cfg.Search.MaxSessions,
		BackoffInitial: cfg.Search.BackoffInitial,
		BackoffMax:     cfg.Search.BackoffMax,
	}, logger)

	priorities := cfg.Priorities()
	ranker := ranking.NewRanker(ranking.NewWeightedScorer(ranking.Weights{
		Lexical:   cfg.Ranking.LexicalWeight,
		Relevance: cfg.Ranking.RelevanceWeight,
	}, priorities), priorities)

	searchService := services.NewSearchService(registry, pageCache, sessions, ranker, services.OptionsFromConfig(cfg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewHealthChecker(dbManager, registry, repoManager, logger)
	go healthChecker.PeriodicHealthCheck(ctx, cfg.Health.Interval)

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerMinute, logger)
	go rateLimiter.Cleanup(ctx, time.Minute)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))
	router.Use(rateLimiter.RateLimit())

	handlers.RegisterRoutes(router,
		handlers.NewSearchHandler(searchService, repoManager, pageCache, cfg.Server.AdminToken, logger),
		handlers.NewHealthHandler(healthChecker, searchService, repoManager, logger),
	)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Server.Port,
			"sources": registry.Names(),
			"cache":   pageCache.StoreName(),
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
