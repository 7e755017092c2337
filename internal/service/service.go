package service

import (
	"github.com/rs/zerolog"

	"speech_room/internal/repository"
	"speech_room/internal/utils"
	"speech_room/pkg/config"
)

type Services struct {
	User      *UserService
	Room      *RoomService
	Report    *ReportService
	WebSocket *WebSocketManager
	Tokens    *utils.TokenManager
}

// Options summarizer 可以為 nil
type Options struct {
	Config     *config.Config
	Summarizer Summarizer
	Logger     *zerolog.Logger
}

func NewServices(repos *repository.Repositories, opts Options) *Services {
	cfg := opts.Config
	tokens := utils.NewTokenManager(cfg.JWT.Secret, cfg.JWT.TTL)

	wsManager := NewWebSocketManager(WebSocketManagerConfig{
		Logger:    opts.Logger,
		WebSocket: cfg.WebSocket,
		Session:   SessionOptions{PreparationSeconds: cfg.Session.PreparationSeconds},
	})
	reportService := NewReportService(repos.Report, opts.Summarizer, opts.Logger)
	roomService := NewRoomService(repos.Room, repos.Feedback, reportService, wsManager, opts.Logger)
	wsManager.SetObserver(roomService)

	return &Services{
		User:      NewUserService(repos.User, tokens),
		Room:      roomService,
		Report:    reportService,
		WebSocket: wsManager,
		Tokens:    tokens,
	}
}
