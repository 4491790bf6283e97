package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/atlas-safety/coursebuilder-backend/internal/handlers"
	"github.com/atlas-safety/coursebuilder-backend/internal/middleware"
	"github.com/atlas-safety/coursebuilder-backend/internal/observability"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/envutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log                  *logger.Logger
	CourseBuilderHandler *handlers.CourseBuilderHandler
	RecordsHandler       *handlers.RecordsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if envutil.Str("APP_ENV", "development") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLog(cfg.Log))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)
	if observability.Enabled() {
		router.GET("/metrics", func(c *gin.Context) {
			observability.Current().WriteHTTP(c.Writer, c.Request)
		})
	}

	api := router.Group("/api")
	{
		api.POST("/courses", cfg.CourseBuilderHandler.Create)
		api.GET("/courses/records", cfg.RecordsHandler.List)
		api.GET("/courses/records/:run_id", cfg.RecordsHandler.Get)
	}

	return router
}

func allowedOrigins() []string {
	raw := envutil.Str("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
