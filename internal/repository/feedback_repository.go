package repository

import (
	"speech_room/internal/models"
	"speech_room/internal/storage"
)

type FeedbackRepository interface {
	CreateBatch(records []models.FeedbackRecord) error
	FindByRoomCode(code string) ([]models.FeedbackRecord, error)
}

type feedbackRepository struct {
	db *storage.PostgresDB
}

func NewFeedbackRepository(db *storage.PostgresDB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

func (r *feedbackRepository) CreateBatch(records []models.FeedbackRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.Create(&records).Error
}

func (r *feedbackRepository) FindByRoomCode(code string) ([]models.FeedbackRecord, error) {
	var records []models.FeedbackRecord
	err := r.db.Where("room_code = ?", code).Order("timestamp asc").Find(&records).Error
	return records, err
}
