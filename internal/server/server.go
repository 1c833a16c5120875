package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apitypes "github.com/lgulliver/waypoint/cmd/api-gateway/types"
	"github.com/lgulliver/waypoint/cmd/api-gateway/routes"
	"github.com/lgulliver/waypoint/internal/attachment"
	"github.com/lgulliver/waypoint/internal/auth"
	"github.com/lgulliver/waypoint/internal/common"
	"github.com/lgulliver/waypoint/internal/guide"
	"github.com/lgulliver/waypoint/internal/middleware"
	"github.com/lgulliver/waypoint/internal/storage"
	"github.com/lgulliver/waypoint/internal/upload"
	"github.com/lgulliver/waypoint/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server holds the HTTP router and the services that need lifecycle hooks
type Server struct {
	Router  *gin.Engine
	Auth    *auth.Service
	Uploads *upload.Manager
}

// New wires the services behind the HTTP router. cache may be nil when
// sessions are kept in memory.
func New(cfg *config.Config, db *common.Database, cache *common.Cache, blobs storage.BlobStorage) *Server {
	authService := auth.NewService(db, cache, &cfg.Auth)
	attachments := attachment.NewStore(db, blobs, attachment.Limits{
		MaxFileSize:     int64(cfg.Upload.MaxFileSize),
		MaxCombinedSize: int64(cfg.Upload.MaxCombinedSize),
	})
	guides := guide.NewService(db, attachments)

	var sessions upload.SessionStore = upload.NewMemoryStore()
	if cache != nil && cfg.Upload.SessionBackend == "redis" {
		sessions = upload.NewRedisStore(cache)
	}

	uploads := upload.NewManager(sessions, blobs, attachments, guides, upload.Config{
		SessionTTL:   cfg.Upload.SessionTTL,
		ChunkSize:    int64(cfg.Upload.ChunkSize),
		MaxChunkSize: int64(cfg.Upload.MaxChunkSize),
		MaxFileSize:  int64(cfg.Upload.MaxFileSize),
		ReapInterval: cfg.Upload.ReapInterval,
	})

	health := map[string]pinger{"database": db}
	if cache != nil {
		health["redis"] = cache
	}

	return &Server{
		Router:  setupRouter(cfg, health, authService, guides, attachments, uploads),
		Auth:    authService,
		Uploads: uploads,
	}
}

func setupRouter(cfg *config.Config, health map[string]pinger, authService routes.AuthService, guides routes.GuideService, attachments routes.AttachmentService, uploads routes.UploadService) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", handleHealth(health))

	api := router.Group("/api/v1")
	{
		routes.AuthRoutes(api, authService)

		admin := routes.AdminGroup(api, authService)
		routes.GuideRoutes(admin, guides, attachments)
		routes.UploadRoutes(admin, uploads, routes.UploadLimits{
			MaxChunkSize: int64(cfg.Upload.MaxChunkSize),
			MaxFileSize:  int64(cfg.Upload.MaxFileSize),
		})
	}

	return router
}

type pinger interface {
	Ping(ctx context.Context) error
}

func handleHealth(deps map[string]pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := apitypes.HealthStatus{
			Status:    "healthy",
			Service:   "waypoint-api-gateway",
			Timestamp: time.Now().UTC(),
			Services:  make(map[string]string, len(deps)),
		}

		code := http.StatusOK
		for name, dep := range deps {
			if err := dep.Ping(c.Request.Context()); err != nil {
				log.Warn().Err(err).Str("service", name).Msg("health check failed")
				status.Status = "degraded"
				status.Services[name] = "unreachable"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Services[name] = "ok"
		}

		c.JSON(code, status)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
