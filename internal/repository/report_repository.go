package repository

import (
	"gorm.io/gorm/clause"

	"speech_room/internal/models"
	"speech_room/internal/storage"
)

type ReportRepository interface {
	SaveAll(reports []models.SessionReport) error
	FindByParticipant(roomCode, participantID string) (*models.SessionReport, error)
	FindByRoom(roomCode string) ([]models.SessionReport, error)
}

type reportRepository struct {
	db *storage.PostgresDB
}

func NewReportRepository(db *storage.PostgresDB) ReportRepository {
	return &reportRepository{db: db}
}

// SaveAll 以 (房間, 參與者) 為鍵寫入報告，重複產生時覆蓋舊內容
func (r *reportRepository) SaveAll(reports []models.SessionReport) error {
	if len(reports) == 0 {
		return nil
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_code"}, {Name: "participant_id"}},
		UpdateAll: true,
	}).Create(&reports).Error
}

func (r *reportRepository) FindByParticipant(roomCode, participantID string) (*models.SessionReport, error) {
	var report models.SessionReport
	err := r.db.Where("room_code = ? AND participant_id = ?", roomCode, participantID).First(&report).Error
	if err != nil {
		return nil, translate(err)
	}
	return &report, nil
}

func (r *reportRepository) FindByRoom(roomCode string) ([]models.SessionReport, error) {
	var reports []models.SessionReport
	err := r.db.Where("room_code = ?", roomCode).Order("overall_score DESC").Find(&reports).Error
	return reports, err
}
