package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/internal/flow/ai"
	"github.com/botflow-go/internal/flow/engine"
	"github.com/botflow-go/internal/flow/executor"
	"github.com/botflow-go/internal/flow/monitor"
	"github.com/botflow-go/internal/flow/repository"
	"github.com/botflow-go/internal/flow/scheduler"
	"github.com/botflow-go/internal/flow/version"
	"github.com/botflow-go/internal/flow/wecom"
	"github.com/botflow-go/pkg/config"
	"github.com/botflow-go/pkg/database"
	"github.com/botflow-go/pkg/logger"
	"github.com/botflow-go/pkg/metrics"
)

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	redis      *redis.Client
	scheduler  *scheduler.Scheduler
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(&flow.FlowDefinition{}, &flow.FlowInstance{}, &flow.ExecutionLog{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	definitions := repository.NewDefinitionRepository(db)
	instances := repository.NewInstanceRepository(db)

	registry := executor.NewRegistry(executor.Dependencies{
		AI: ai.NewHTTPClient(ai.Config{
			BaseURL:        cfg.AI.BaseURL,
			APIKey:         cfg.AI.APIKey,
			Model:          cfg.AI.Model,
			TimeoutSeconds: cfg.AI.TimeoutSeconds,
		}, log),
		WeCom: wecom.NewHTTPClient(wecom.Config{
			BaseURL:        cfg.WeCom.BaseURL,
			Token:          cfg.WeCom.Token,
			TimeoutSeconds: cfg.WeCom.TimeoutSeconds,
		}, log),
		Redis:  redisClient,
		Logger: log,
	})
	registry.Initialize()

	eng := engine.New(definitions, instances, registry, log, engine.Defaults{
		TimeoutMs:  cfg.Engine.DefaultTimeoutMs,
		MaxRetries: cfg.Engine.DefaultMaxRetries,
		RetryMs:    cfg.Engine.DefaultRetryMs,
	})

	versions := version.NewManager(definitions, log)
	mon := monitor.NewReader(db)
	sched := scheduler.New(definitions, eng, log)

	handlers := NewHandlers(eng, definitions, instances, versions, mon, sched, log)
	router := setupRouter(handlers, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		db:         db,
		redis:      redisClient,
		scheduler:  sched,
	}, nil
}

func setupRouter(h *Handlers, log logger.Logger) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		flows := v1.Group("/flows")
		{
			flows.POST("", h.CreateDefinition)
			flows.GET("", h.ListDefinitions)
			flows.GET("/:id", h.GetDefinition)
			flows.PUT("/:id", h.UpdateDefinition)
			flows.DELETE("/:id", h.DeleteDefinition)
			flows.POST("/:id/instances", h.CreateInstance)
		}

		instances := v1.Group("/instances")
		{
			instances.GET("", h.ListInstances)
			instances.GET("/:id", h.GetInstance)
			instances.POST("/:id/execute", h.ExecuteInstance)
			instances.POST("/:id/cancel", h.CancelInstance)
			instances.GET("/:id/logs", h.ListInstanceLogs)
		}

		versions := v1.Group("/versions")
		{
			versions.POST("/:id/activate", h.ActivateVersion)
			versions.POST("/:id/rollback", h.RollbackVersion)
		}

		v1.POST("/flow-names/:name/versions", h.CreateVersion)
		v1.GET("/flow-names/:name/versions", h.ListVersions)

		mon := v1.Group("/monitor")
		{
			mon.GET("/status", h.MonitorStatus)
			mon.GET("/trend", h.MonitorTrend)
			mon.GET("/flows", h.MonitorFlows)
		}

		v1.POST("/test/trigger", h.TestTrigger)
	}

	return router
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.scheduler.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("Failed to close redis client", "error", err)
	}
	return s.db.Close()
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()

		log.Info("Request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start).String(),
		)
	}
}
