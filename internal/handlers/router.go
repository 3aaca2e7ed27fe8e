package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/config"
	"github.com/mossy-p/proximity-chat/internal/middleware"
)

// NewRouter wires the health check, the room API and the signaling socket.
func NewRouter(cfg *config.Config, h *Hub) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(cfg.Admin, cfg.JWTSecret))
		api.GET("/rooms", ListRooms(h))
		api.GET("/rooms/:roomId", GetRoom(h))
		api.DELETE("/rooms/:roomId", middleware.OperatorAuth(cfg.JWTSecret), DeleteRoom(h))
	}

	router.GET("/ws", HandleSignaling(h))
	router.GET("/ws/:roomId", HandleSignaling(h))

	if cfg.IsProduction() {
		serveClient(router, cfg.StaticDir)
	}

	return router
}

// serveClient serves the built browser client, falling back to index.html
// for client-side routes.
func serveClient(router *gin.Engine, dir string) {
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		log.Warn().Str("module", "http").Str("dir", dir).Err(err).Msg("client build not found, static serving disabled")
		return
	}

	router.NoRoute(func(c *gin.Context) {
		path := filepath.Join(dir, filepath.Clean("/"+c.Request.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			c.File(path)
			return
		}
		c.File(index)
	})
}
