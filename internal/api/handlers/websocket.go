package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"speech_room/internal/middleware"
	"speech_room/internal/service"
)

// 定義 WebSocket 升級器
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 前端與 API 不同源，由反向代理限制來源
	},
}

// WebSocketHandler 處理房間的信令連線
type WebSocketHandler struct {
	wsManager   *service.WebSocketManager
	roomService *service.RoomService
	sendBuffer  int
	logger      zerolog.Logger
}

func NewWebSocketHandler(wsManager *service.WebSocketManager, roomService *service.RoomService, sendBuffer int, logger *zerolog.Logger) *WebSocketHandler {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &WebSocketHandler{
		wsManager:   wsManager,
		roomService: roomService,
		sendBuffer:  sendBuffer,
		logger:      l.With().Str("component", "ws-handler").Logger(),
	}
}

func joinStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRoomFull):
		return http.StatusConflict
	case errors.Is(err, service.ErrRoomClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// HandleWebSocket 先檢查房間是否可加入，再升級連線並交給房間處理，直到連線結束
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	room, err := h.roomService.CheckJoin(roomCode(c))
	if err != nil {
		status := joinStatus(err)
		if status == http.StatusInternalServerError {
			c.Error(err)
			c.JSON(status, gin.H{"error": "無法加入房間"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失敗時已自行回覆 HTTP 錯誤
		h.logger.Debug().Err(err).Str("room", room.Code).Msg("websocket upgrade failed")
		return
	}

	client := service.NewClient(conn, room.Code, middleware.CurrentUser(c), c.Query("name"), h.sendBuffer)
	if err := h.wsManager.HandleClient(c.Request.Context(), *room, client); err != nil {
		h.logger.Info().Err(err).Str("room", room.Code).Msg("admission rejected")
	}
}
