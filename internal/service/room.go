package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speech_room/internal/models"
	"speech_room/internal/repository"
)

const (
	roomCodeLength   = 8
	roomCodeAttempts = 5

	minTimePerSpeaker  = 1
	maxTimePerSpeaker  = 30
	minParticipants    = 2
	maxParticipantsCap = 12

	reportTimeout = 2 * time.Minute
)

var ErrInvalidRoom = errors.New("房間設定無效")

// CreateRoomInput 是建立房間所需的設定
type CreateRoomInput struct {
	Name            string
	TopicCategory   string
	TimePerSpeaker  int
	MaxParticipants int
	IsPublic        bool
	Description     string
}

// RoomListing 是公開房間列表中的一筆資料
type RoomListing struct {
	models.Room
	CreatedAt      time.Time `json:"created_at"`
	TotalDuration  int       `json:"total_duration"`
	ConnectedCount int       `json:"participant_count"`
	AvailableSlots int       `json:"available_slots"`
}

// RoomService 管理房間的持久化資料，並在練習開始與結束時同步資料庫
type RoomService struct {
	roomRepo     repository.RoomRepository
	feedbackRepo repository.FeedbackRepository
	reports      *ReportService
	wsManager    *WebSocketManager
	newCode      func() string
	logger       zerolog.Logger
}

func NewRoomService(roomRepo repository.RoomRepository, feedbackRepo repository.FeedbackRepository, reports *ReportService, wsManager *WebSocketManager, logger *zerolog.Logger) *RoomService {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &RoomService{
		roomRepo:     roomRepo,
		feedbackRepo: feedbackRepo,
		reports:      reports,
		wsManager:    wsManager,
		newCode:      newRoomCode,
		logger:       l.With().Str("component", "rooms").Logger(),
	}
}

// newRoomCode 取 UUID 的前 8 個十六進位字元作為方便輸入的加入碼
func newRoomCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:roomCodeLength])
}

func (in CreateRoomInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.Join(ErrInvalidRoom, errors.New("name is required"))
	}
	if in.TimePerSpeaker < minTimePerSpeaker || in.TimePerSpeaker > maxTimePerSpeaker {
		return errors.Join(ErrInvalidRoom, errors.New("time_per_speaker out of range"))
	}
	if in.MaxParticipants < minParticipants || in.MaxParticipants > maxParticipantsCap {
		return errors.Join(ErrInvalidRoom, errors.New("max_participants out of range"))
	}
	return nil
}

// CreateRoom 建立房間，建立者成為主持人
func (s *RoomService) CreateRoom(hostUserID uint, in CreateRoomInput) (*models.Room, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < roomCodeAttempts; i++ {
		room := &models.Room{
			Code:            s.newCode(),
			Name:            strings.TrimSpace(in.Name),
			HostUserID:      hostUserID,
			TopicCategory:   in.TopicCategory,
			TimePerSpeaker:  in.TimePerSpeaker,
			MaxParticipants: in.MaxParticipants,
			IsPublic:        in.IsPublic,
			Description:     in.Description,
			Status:          models.RoomStatusWaiting,
			SpeakingOrder:   []string{},
		}
		err := s.roomRepo.Create(room)
		if err == nil {
			s.logger.Info().Str("room", room.Code).Uint("host", hostUserID).Msg("room created")
			return room, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *RoomService) GetRoom(code string) (*models.Room, error) {
	room, err := s.roomRepo.FindByCode(strings.ToUpper(code))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

// RoomState 優先回傳記憶體中的即時狀態，房間沒有連線時以資料庫內容組成
func (s *RoomService) RoomState(code string) (models.RoomSnapshot, error) {
	room, err := s.GetRoom(code)
	if err != nil {
		return models.RoomSnapshot{}, err
	}
	if snap, ok := s.wsManager.Snapshot(room.Code); ok {
		return snap, nil
	}
	return NewSession(*room, SessionOptions{}).Snapshot(), nil
}

// ListRooms 列出尚未開始的公開房間與目前連線人數
func (s *RoomService) ListRooms() ([]RoomListing, error) {
	rooms, err := s.roomRepo.FindPublicWaiting()
	if err != nil {
		return nil, err
	}
	listings := make([]RoomListing, 0, len(rooms))
	for _, r := range rooms {
		n := s.wsManager.ConnectedCount(r.Code)
		listings = append(listings, RoomListing{
			Room:           r,
			CreatedAt:      r.CreatedAt,
			TotalDuration:  r.TotalDuration(),
			ConnectedCount: n,
			AvailableSlots: max(0, r.MaxParticipants-n),
		})
	}
	return listings, nil
}

// CheckJoin 在升級 WebSocket 前檢查房間是否可加入；房間內仍會再次檢查
func (s *RoomService) CheckJoin(code string) (*models.Room, error) {
	room, err := s.GetRoom(code)
	if err != nil {
		return nil, err
	}
	if room.Status == models.RoomStatusCompleted {
		return nil, ErrRoomClosed
	}
	if snap, ok := s.wsManager.Snapshot(room.Code); ok {
		if snap.Status == models.RoomStatusCompleted {
			return nil, ErrRoomClosed
		}
		if len(snap.Participants) >= room.MaxParticipants {
			return nil, ErrRoomFull
		}
	} else if room.Status != models.RoomStatusWaiting {
		// 進程重啟前開始的練習無法延續
		return nil, ErrRoomClosed
	}
	return room, nil
}

// SessionStarted 記錄發言順序與開始時間
func (s *RoomService) SessionStarted(snap models.RoomSnapshot) {
	room, err := s.roomRepo.FindByCode(snap.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("room", snap.ID).Msg("load room on session start")
		return
	}
	room.Status = models.RoomStatusActive
	room.SpeakingOrder = snap.SpeakingOrder
	room.StartedAt = snap.SessionStartTime
	if err := s.roomRepo.Update(room); err != nil {
		s.logger.Error().Err(err).Str("room", snap.ID).Msg("persist session start")
		return
	}
	s.logger.Info().Str("room", snap.ID).Strs("speaking_order", snap.SpeakingOrder).Msg("session started")
}

// SessionCompleted 標記房間結束、歸檔回饋並產生報告
func (s *RoomService) SessionCompleted(snap models.RoomSnapshot) {
	logger := s.logger.With().Str("room", snap.ID).Logger()

	room, err := s.roomRepo.FindByCode(snap.ID)
	if err != nil {
		logger.Error().Err(err).Msg("load room on session completion")
		return
	}
	ended := time.Now().UTC()
	room.Status = models.RoomStatusCompleted
	room.EndedAt = &ended
	if room.StartedAt == nil {
		room.StartedAt = snap.SessionStartTime
	}
	if len(snap.SpeakingOrder) > 0 {
		room.SpeakingOrder = snap.SpeakingOrder
	}
	if err := s.roomRepo.Update(room); err != nil {
		logger.Error().Err(err).Msg("persist session completion")
	}

	records := make([]models.FeedbackRecord, 0, len(snap.LiveFeedbacks))
	for _, f := range snap.LiveFeedbacks {
		records = append(records, models.NewFeedbackRecord(snap.ID, f))
	}
	if err := s.feedbackRepo.CreateBatch(records); err != nil {
		logger.Error().Err(err).Msg("archive feedback")
	}

	if s.reports == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if _, err := s.reports.GenerateReports(ctx, snap); err != nil {
		logger.Error().Err(err).Msg("generate reports")
	}
}

// Feedbacks 回傳已歸檔的回饋紀錄
func (s *RoomService) Feedbacks(code string) ([]models.FeedbackRecord, error) {
	return s.feedbackRepo.FindByRoomCode(strings.ToUpper(code))
}
