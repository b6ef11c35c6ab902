// Package http wires the gin router around the handlers and middleware.
package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/fablemind/fablemind-backend/internal/http/handlers"
	httpMW "github.com/fablemind/fablemind-backend/internal/http/middleware"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

// maxMultipartMemory caps attachment uploads at 20 MiB per request.
const maxMultipartMemory = 20 << 20

type RouterConfig struct {
	Log *logger.Logger

	AuthHandler     *httpH.AuthHandler
	AuthMiddleware  *httpMW.AuthMiddleware
	ChatHandler     *httpH.ChatHandler
	MemoriesHandler *httpH.MemoriesHandler
	CLIProxyHandler *httpH.CLIProxyHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.TraceContext())
	r.Use(httpMW.CORS())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.MaxMultipartMemory = maxMultipartMemory

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")

	// Auth (public)
	if cfg.AuthHandler != nil {
		api.POST("/auth/register", cfg.AuthHandler.Register)
		api.POST("/auth/login", cfg.AuthHandler.Login)
	}

	protected := api.Group("/")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.ChatHandler != nil && cfg.MemoriesHandler != nil {
		ch, mh := cfg.ChatHandler, cfg.MemoriesHandler

		protected.POST("/chat/create", ch.Create)
		protected.GET("/chat/list", ch.List)
		protected.POST("/chat/import", mh.ImportChat)

		protected.GET("/chat/:token/history", ch.History)
		protected.PUT("/chat/:token/config", ch.UpdateConfig)
		protected.PUT("/chat/:token/rename", ch.Rename)
		protected.DELETE("/chat/:token", ch.Delete)

		protected.GET("/chat/:token/memories/stats", mh.Stats)
		protected.GET("/chat/:token/memories/export", mh.Export)
		protected.POST("/chat/:token/memories/import", mh.Import)
		protected.POST("/chat/:token/memories/delete", mh.Delete)
		protected.GET("/chat/:token/check-embeddings", mh.CheckEmbeddings)
		protected.POST("/chat/:token/repair-embeddings", mh.RepairEmbeddings)

		protected.POST("/chat/:token/search-global", ch.SearchGlobal)
		protected.POST("/chat/:token/vectorize-pdf", ch.VectorizePDF)
		protected.POST("/chat/:token/message/:msg/branch", ch.Branch)

		protected.POST("/chat/generate/:token", ch.Generate)
		protected.POST("/chat/insert/:token/:collection", ch.Insert)
		protected.PUT("/chat/edit/:token/:msg", ch.Edit)
		protected.DELETE("/chat/message/:token/:msg", ch.DeleteMessage)
		protected.POST("/chat/search/:token/:collection", ch.Search)
	}

	if cfg.CLIProxyHandler != nil {
		ph := cfg.CLIProxyHandler
		protected.POST("/cli2api-auth/start", ph.Start)
		protected.GET("/cli2api-auth/status", ph.Status)
		protected.POST("/cli2api-auth/stop", ph.Stop)
		protected.Any("/cli2api-auth/forward/*path", ph.Forward)
	}

	return r
}
