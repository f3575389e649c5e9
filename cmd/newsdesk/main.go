package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/newsdesk/internal/cache"
	"github.com/radiusdt/newsdesk/internal/config"
	"github.com/radiusdt/newsdesk/internal/database"
	"github.com/radiusdt/newsdesk/internal/httpserver"
	"github.com/radiusdt/newsdesk/internal/metrics"
	"github.com/radiusdt/newsdesk/internal/middleware"
	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/moderation"
	"github.com/radiusdt/newsdesk/internal/realtime"
	"github.com/radiusdt/newsdesk/internal/reporting"
	"github.com/radiusdt/newsdesk/internal/storage"
	"github.com/radiusdt/newsdesk/internal/tracking"
	"go.uber.org/zap"
)

func main() {
	// A missing .env is fine: the environment may already be set.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting newsdesk",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("timezone", cfg.Site.Location().String()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	checks := make(map[string]httpserver.HealthChecker)

	retry := storage.RetryPolicy{
		Attempts:  cfg.Store.RetryAttempts,
		BaseDelay: cfg.Store.RetryBaseDelay,
		MaxDelay:  cfg.Refresh.BackoffMax,
	}

	// Event store: PostgreSQL, or in-memory when it is unreachable
	var (
		store storage.Store
		feed  storage.ChangeFeed
		db    *database.PostgresDB
	)
	db, err = database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		memFeed := storage.NewMemoryFeed()
		store = storage.NewInMemoryStore(memFeed)
		feed = memFeed
	} else {
		defer db.Close()
		if cfg.Database.Migrate {
			version, err := db.RunMigrations()
			if err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
			logger.Info("schema migrated", zap.Uint("version", version))
		}
		store = storage.NewPostgresStore(db.Pool, retry, cfg.Store.OpTimeout)
		feed = storage.NewPostgresChangeFeed(db.Pool, logger)
		checks["postgres"] = db

		go reportPoolStats(ctx, db, m)
	}

	// Snapshot cache: Redis, or process-local
	var snapshots cache.SnapshotCache
	redis, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, caching snapshots in memory", zap.Error(err))
		snapshots = cache.NewMemorySnapshotCache()
	} else {
		defer redis.Close()
		snapshots = cache.NewRedisSnapshotCache(redis.Client)
		checks["redis"] = redis
	}

	// Raw event log: ClickHouse when enabled, otherwise in-memory
	var events storage.EventLog = storage.NewInMemoryEventLog()
	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, keeping event log in memory", zap.Error(err))
		} else {
			defer ch.Close()
			chLog, err := storage.NewClickHouseEventLog(ctx, ch.Conn)
			if err != nil {
				logger.Warn("failed to prepare ClickHouse event log", zap.Error(err))
			} else {
				events = chLog
				checks["clickhouse"] = ch
			}
		}
	}

	// Services
	loc := cfg.Site.Location()
	collector := tracking.NewCollector(store, store, logger,
		tracking.WithEventLog(events),
		tracking.WithLocation(loc),
		tracking.WithOpTimeout(cfg.Store.OpTimeout),
		tracking.WithMetrics(m),
		tracking.WithRetry(retry),
	)
	mod := moderation.NewService(store, store, events, logger, m)
	engine := reporting.NewEngine(store, events, snapshots, reporting.Config{
		Location:    loc,
		TopN:        cfg.Site.TopN,
		LiveWindow:  cfg.Site.LiveWindow,
		SnapshotTTL: cfg.Redis.SnapshotTTL,
	}, logger, m)

	jobs := []realtime.Job{
		{
			Name:         "live",
			Tables:       []string{models.TableArticleViews, models.TableComments, models.TableArticles},
			PollInterval: cfg.Refresh.LivePollInterval,
			Run:          engine.RefreshLive,
		},
		{
			Name:         "articles",
			Tables:       []string{models.TableArticles, models.TableArticleViews, models.TableComments},
			PollInterval: cfg.Refresh.ArticlePollInterval,
			Run:          engine.RefreshArticles,
		},
		{
			Name:         "ads",
			Tables:       []string{models.TableAdvertisements},
			PollInterval: cfg.Refresh.ArticlePollInterval,
			Run:          engine.RefreshAds,
		},
	}
	// All jobs ride one LISTEN connection.
	shared := storage.NewFanoutFeed(feed, realtime.WatchedTables(jobs), logger)
	coordinator := realtime.NewCoordinator(shared, jobs, realtime.Options{
		Debounce:    cfg.Refresh.Debounce,
		MinInterval: cfg.Refresh.MinInterval,
		BackoffBase: cfg.Refresh.BackoffBase,
		BackoffMax:  cfg.Refresh.BackoffMax,
	}, logger, m)

	coordDone := make(chan struct{})
	go func() {
		coordinator.Run(ctx)
		close(coordDone)
	}()

	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, m)
	handler := httpserver.NewServer(&httpserver.Dependencies{
		Collector:   collector,
		Moderation:  mod,
		Engine:      engine,
		Coordinator: coordinator,
		Checks:      checks,
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		RateLimiter: rateLimitMW,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Start rate limiter cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rateLimitMW.CleanupIPLimiters(time.Hour)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop the coordinator and background goroutines
	cancel()
	select {
	case <-coordDone:
	case <-shutdownCtx.Done():
		logger.Warn("refresh coordinator did not stop in time")
	}

	logger.Info("server stopped")
}

func reportPoolStats(ctx context.Context, db *database.PostgresDB, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := db.Pool.Stat()
			m.UpdateDBStats(int(st.IdleConns()), int(st.AcquiredConns()), int(st.TotalConns()))
		case <-ctx.Done():
			return
		}
	}
}
