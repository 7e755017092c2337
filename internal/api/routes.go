package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"speech_room/internal/api/handlers"
	"speech_room/internal/middleware"
	"speech_room/internal/service"
)

// SetupRoutes 註冊所有路由；sendBuffer 是每條信令連線的送出佇列長度
func SetupRoutes(r *gin.Engine, services *service.Services, sendBuffer int, logger *zerolog.Logger) {
	// 初始化 handlers
	authHandler := handlers.NewAuthHandler(services.User)
	roomHandler := handlers.NewRoomHandler(services.Room, services.Report)
	wsHandler := handlers.NewWebSocketHandler(services.WebSocket, services.Room, sendBuffer, logger)

	requireAuth := middleware.AuthMiddleware(services.Tokens)
	optionalAuth := middleware.OptionalAuth(services.Tokens)

	// API 路由群組
	api := r.Group("/api")

	// 處理 404 錯誤
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "找不到該路徑",
		})
	})

	// 公開路由
	{
		api.POST("/register", authHandler.Register)
		api.POST("/login", authHandler.Login)

		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status": "ok",
			})
		})
	}

	api.GET("/me", requireAuth, authHandler.Me)

	rooms := api.Group("/rooms")
	{
		rooms.GET("", roomHandler.ListRooms)
		rooms.POST("", requireAuth, roomHandler.CreateRoom) // 建立者成為主持人
		rooms.GET("/:id", roomHandler.GetRoom)

		// 練習結束後的回饋與報告
		rooms.GET("/:id/feedback", roomHandler.ListFeedback)
		rooms.GET("/:id/reports", roomHandler.ListReports)
		rooms.GET("/:id/reports/:participant_id", roomHandler.GetReport)

		// token 可省略，只用來辨識主持人
		rooms.GET("/:id/ws", optionalAuth, wsHandler.HandleWebSocket)
	}
}
