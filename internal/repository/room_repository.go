package repository

import (
	"speech_room/internal/models"
	"speech_room/internal/storage"
)

type RoomRepository interface {
	Create(room *models.Room) error
	FindByCode(code string) (*models.Room, error)
	Update(room *models.Room) error
	FindPublicWaiting() ([]models.Room, error)
}

type roomRepository struct {
	db *storage.PostgresDB
}

func NewRoomRepository(db *storage.PostgresDB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Create(room *models.Room) error {
	return translate(r.db.Create(room).Error)
}

func (r *roomRepository) FindByCode(code string) (*models.Room, error) {
	var room models.Room
	err := r.db.Where("code = ?", code).First(&room).Error
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (r *roomRepository) Update(room *models.Room) error {
	return r.db.Save(room).Error
}

// FindPublicWaiting 查詢可公開加入、尚未開始的房間
func (r *roomRepository) FindPublicWaiting() ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.Where("is_public = ? AND status = ?", true, models.RoomStatusWaiting).
		Order("created_at DESC").
		Find(&rooms).Error
	return rooms, err
}
