package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"codegraph/backend/internal/coordinator"
	"codegraph/backend/internal/knowledge"
	"codegraph/backend/internal/model"
	"codegraph/backend/internal/normalize"
	"codegraph/backend/internal/recovery"
	"codegraph/backend/internal/store"
	"codegraph/backend/internal/temporal"
	"codegraph/backend/pkg/config"
	"codegraph/backend/pkg/errors"
	"codegraph/backend/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting knowledge graph API server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	// Open the four stores
	graphStore := store.NewNeo4jGraphStore(driver)
	relationalStore, err := store.OpenSQLStore(cfg.SQLitePath)
	if err != nil {
		log.Fatal("Failed to open relational store", zap.Error(err))
	}
	cacheStore, err := store.OpenBadgerCache(store.BadgerCacheOptions{
		Dir:      cfg.BadgerDir,
		InMemory: cfg.BadgerInMemory,
	})
	if err != nil {
		log.Fatal("Failed to open cache store", zap.Error(err))
	}
	vectorStore := store.NewOpenAIVectorStore(cfg.EmbeddingURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)

	// Wire the persistence core
	normalizer := normalize.New(cfg.EvidenceCap)
	ledger := temporal.NewLedger(graphStore, relationalStore, normalizer.Merge)
	coord := coordinator.New(graphStore, relationalStore, cacheStore, vectorStore, ledger, coordinator.Options{
		StoreTimeout: cfg.StoreTimeout,
		RetryCount:   cfg.RetryCount,
		RetryBackoff: cfg.RetryBackoff,
		EventBuffer:  cfg.EventBuffer,
	})
	recoveryManager := recovery.NewManager(graphStore, relationalStore, coord, recovery.Options{
		CheckpointHops:      cfg.CheckpointHops,
		CheckpointRetention: cfg.CheckpointRetention,
		RollbackCap:         cfg.RollbackCap,
		RollbackTTL:         cfg.RollbackTTL,
		RollbackDurable:     cfg.RollbackDurable,
	})
	service := knowledge.NewService(knowledge.Deps{
		Normalizer:  normalizer,
		Coordinator: coord,
		Recovery:    recoveryManager,
		Ledger:      ledger,
		Graph:       graphStore,
		Relational:  relationalStore,
		Cache:       cacheStore,
		Vector:      vectorStore,
	}, knowledge.Options{})

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(service, log)

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	service.Close(shutdownCtx)

	log.Info("Server exited")
}

// newRouter builds the HTTP surface over the knowledge service
func newRouter(service *knowledge.Service, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: required stores must answer; the vector store is reported
	// but never blocks readiness.
	router.GET("/ready", func(c *gin.Context) {
		status := service.DependenciesReady(c.Request.Context())
		report := gin.H{}
		ready := true
		for name, err := range status {
			if err == nil {
				report[string(name)] = "ok"
				continue
			}
			report[string(name)] = err.Error()
			if name != store.NameVector {
				ready = false
			}
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": ready, "stores": report})
	})

	router.GET("/counters", func(c *gin.Context) {
		c.JSON(http.StatusOK, service.Counters())
	})

	// API routes
	api := router.Group("/api")
	{
		// Commit a batch of entities and facts
		api.POST("/batch", func(c *gin.Context) {
			var req knowledge.RawBatch
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			result, err := service.CommitBatch(c.Request.Context(), req)
			if err != nil {
				var dep *errors.DependencyUnavailable
				if stderrors.As(err, &dep) {
					c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "store": dep.Store})
					return
				}
				var partial *errors.PartialCommitFailure
				if stderrors.As(err, &partial) {
					log.Error("Partial commit", zap.Strings("failed_stores", partial.FailedStores))
					c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
					return
				}
				log.Error("Failed to commit batch", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to commit batch"})
				return
			}

			c.JSON(http.StatusOK, result)
		})

		// Close the active interval of a canonical fact
		api.POST("/edge/close", func(c *gin.Context) {
			var req struct {
				CanonicalID string `json:"canonical_id" binding:"required"`
				Reason      string `json:"reason" binding:"required"`
				ChangeSetID string `json:"change_set_id"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			res, err := service.CloseEdge(c.Request.Context(), req.CanonicalID, req.Reason, req.ChangeSetID)
			if err != nil {
				log.Error("Failed to close edge", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close edge"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"closed": res.Closed != nil})
		})

		// Get an entity
		api.GET("/entity/:id", func(c *gin.Context) {
			entity, err := service.GetEntity(c.Request.Context(), c.Param("id"))
			if err != nil {
				log.Error("Failed to fetch entity", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch entity"})
				return
			}
			if entity == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
				return
			}
			c.JSON(http.StatusOK, entity)
		})

		// Entity version timeline
		api.GET("/entity/:id/timeline", func(c *gin.Context) {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
			timeline, err := service.GetEntityTimeline(c.Request.Context(), c.Param("id"), limit)
			if err != nil {
				log.Error("Failed to fetch entity timeline", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch timeline"})
				return
			}
			c.JSON(http.StatusOK, timeline)
		})

		// Active relationships touching an entity
		api.GET("/entity/:id/relationships", func(c *gin.Context) {
			relationships, err := service.ActiveRelationships(c.Request.Context(), c.Param("id"))
			if err != nil {
				log.Error("Failed to fetch relationships", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch relationships"})
				return
			}
			if relationships == nil {
				relationships = []model.Relationship{}
			}
			c.JSON(http.StatusOK, gin.H{"relationships": relationships})
		})

		// Embedding similarity
		api.GET("/entity/:id/similar", func(c *gin.Context) {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
			similar := service.SimilarEntities(c.Param("id"), limit)
			if similar == nil {
				similar = []string{}
			}
			c.JSON(http.StatusOK, gin.H{"similar": similar})
		})

		// Relationship interval timeline
		api.GET("/relationship/:canonicalId/timeline", func(c *gin.Context) {
			timeline, err := service.GetRelationshipTimeline(c.Request.Context(), c.Param("canonicalId"))
			if err != nil {
				log.Error("Failed to fetch relationship timeline", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch timeline"})
				return
			}
			c.JSON(http.StatusOK, timeline)
		})

		// Create a checkpoint
		api.POST("/checkpoint", func(c *gin.Context) {
			var req struct {
				SeedEntityIDs []string `json:"seed_entity_ids" binding:"required"`
				Hops          int      `json:"hops"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			checkpoint, err := service.CreateCheckpoint(c.Request.Context(), req.SeedEntityIDs, req.Hops)
			if err != nil {
				var verr *errors.ValidationError
				if stderrors.As(err, &verr) {
					c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
					return
				}
				log.Error("Failed to create checkpoint", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create checkpoint"})
				return
			}
			c.JSON(http.StatusOK, checkpoint)
		})

		api.GET("/checkpoints", func(c *gin.Context) {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
			checkpoints, err := service.ListCheckpoints(c.Request.Context(), limit)
			if err != nil {
				log.Error("Failed to list checkpoints", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list checkpoints"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
		})

		// Capture a rollback point
		api.POST("/rollback-point", func(c *gin.Context) {
			var req struct {
				EntityIDs         []string `json:"entity_ids"`
				CanonicalIDs      []string `json:"canonical_ids"`
				GuardChangeSetIDs []string `json:"guard_change_set_ids"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			point, err := service.CreateRollbackPoint(c.Request.Context(), req.EntityIDs, req.CanonicalIDs, req.GuardChangeSetIDs)
			if err != nil {
				log.Error("Failed to create rollback point", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create rollback point"})
				return
			}
			c.JSON(http.StatusOK, point)
		})

		// Attach a committed changeset to a rollback point
		api.POST("/rollback-point/:id/guard", func(c *gin.Context) {
			var req struct {
				ChangeSetID string `json:"change_set_id" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := service.GuardRollbackPoint(c.Param("id"), req.ChangeSetID); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "guarded"})
		})

		// Apply a rollback
		api.POST("/rollback", func(c *gin.Context) {
			var req recovery.RollbackRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			report, err := service.Rollback(c.Request.Context(), req)
			if err != nil {
				var notFound *errors.ErrRollbackPointNotFound
				if stderrors.As(err, &notFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
					return
				}
				var verr *errors.ValidationError
				if stderrors.As(err, &verr) {
					c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
					return
				}
				log.Error("Failed to roll back", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to roll back"})
				return
			}
			c.JSON(http.StatusOK, report)
		})
	}

	return router
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
