package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"speech_room/internal/middleware"
	"speech_room/internal/repository"
	"speech_room/internal/service"
)

// RoomHandler 處理房間與報告相關的請求
type RoomHandler struct {
	roomService   *service.RoomService
	reportService *service.ReportService
}

func NewRoomHandler(roomService *service.RoomService, reportService *service.ReportService) *RoomHandler {
	return &RoomHandler{roomService: roomService, reportService: reportService}
}

// CreateRoomInput 定義建立房間請求的結構，時間以分鐘計
type CreateRoomInput struct {
	Name            string `json:"name" binding:"required"`
	TopicCategory   string `json:"topic_category"`
	TimePerSpeaker  int    `json:"time_per_speaker" binding:"required"`
	MaxParticipants int    `json:"max_participants" binding:"required"`
	IsPublic        *bool  `json:"is_public"`
	Description     string `json:"description"`
}

func roomCode(c *gin.Context) string {
	return strings.ToUpper(c.Param("id"))
}

// CreateRoom 處理創建新房間的請求，建立者成為主持人
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var input CreateRoomInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	public := true
	if input.IsPublic != nil {
		public = *input.IsPublic
	}
	room, err := h.roomService.CreateRoom(middleware.CurrentUser(c), service.CreateRoomInput{
		Name:            input.Name,
		TopicCategory:   input.TopicCategory,
		TimePerSpeaker:  input.TimePerSpeaker,
		MaxParticipants: input.MaxParticipants,
		IsPublic:        public,
		Description:     input.Description,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRoom) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "創建房間失敗"})
		return
	}

	c.JSON(http.StatusCreated, room)
}

// GetRoom 回傳房間目前的狀態
func (h *RoomHandler) GetRoom(c *gin.Context) {
	snap, err := h.roomService.RoomState(roomCode(c))
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "讀取房間失敗"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListRooms 列出等待中的公開房間
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListRooms()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "讀取房間列表失敗"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// ListFeedback 回傳已歸檔的即時回饋
func (h *RoomHandler) ListFeedback(c *gin.Context) {
	code := roomCode(c)
	if _, err := h.roomService.GetRoom(code); err != nil {
		h.roomError(c, err)
		return
	}
	records, err := h.roomService.Feedbacks(code)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "讀取回饋失敗"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": records})
}

// ListReports 回傳房間內所有參與者的報告
func (h *RoomHandler) ListReports(c *gin.Context) {
	code := roomCode(c)
	if _, err := h.roomService.GetRoom(code); err != nil {
		h.roomError(c, err)
		return
	}
	reports, err := h.reportService.ListReports(code)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "讀取報告失敗"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// GetReport 回傳單一參與者的報告
func (h *RoomHandler) GetReport(c *gin.Context) {
	report, err := h.reportService.GetReport(roomCode(c), c.Param("participant_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "報告不存在"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "讀取報告失敗"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *RoomHandler) roomError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "讀取房間失敗"})
}
