package routes

import (
	"github.com/gin-gonic/gin"

	"teamchat/internal/api/handlers"
	"teamchat/internal/api/middleware"
	"teamchat/internal/realtime"
	"teamchat/internal/store"
)

type Router struct {
	engine         *gin.Engine
	wsHandler      *handlers.WSHandler
	messageHandler *handlers.MessageHandler
	channelHandler *handlers.ChannelHandler
	authMW         *middleware.AuthMiddleware
}

func NewRouter(hub *realtime.Hub, st *store.Store, jwtSecret string) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.LogApi())

	return &Router{
		engine:         engine,
		wsHandler:      handlers.NewWSHandler(hub),
		messageHandler: handlers.NewMessageHandler(st, hub),
		channelHandler: handlers.NewChannelHandler(st, hub),
		authMW:         middleware.NewAuthMiddleware(jwtSecret),
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.engine.Group("/api/v1")

	// WebSocket endpoint; credential arrives as a query parameter.
	api.GET("/ws", r.authMW.RequireWSAuth(), r.wsHandler.HandleWebSocket)

	auth := api.Group("/")
	auth.Use(r.authMW.RequireAuth())
	{
		messages := auth.Group("/messages")
		{
			messages.POST("", r.messageHandler.Create)
			messages.PUT("/:id", r.messageHandler.Update)
			messages.DELETE("/:id", r.messageHandler.Delete)
		}

		channels := auth.Group("/channels")
		{
			channels.DELETE("/:id/members/:userId", r.channelHandler.RemoveMember)
		}
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
