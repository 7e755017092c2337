package repository

import (
	"errors"

	"gorm.io/gorm"

	"speech_room/internal/storage"
)

var (
	// ErrNotFound 表示查無資料，包裝 gorm.ErrRecordNotFound 以免上層依賴 gorm
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type Repositories struct {
	User     UserRepository
	Room     RoomRepository
	Feedback FeedbackRepository
	Report   ReportRepository
}

func NewRepositories(db *storage.PostgresDB) *Repositories {
	return &Repositories{
		User:     NewUserRepository(db),
		Room:     NewRoomRepository(db),
		Feedback: NewFeedbackRepository(db),
		Report:   NewReportRepository(db),
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Join(ErrDuplicate, err)
	}
	return err
}
