package api

import (
	"sync"

	"speech_room/internal/models"
	"speech_room/internal/repository"
)

type memoryUserRepo struct {
	mu    sync.Mutex
	users []models.User
}

func (r *memoryUserRepo) Create(user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username {
			return repository.ErrDuplicate
		}
	}
	user.ID = uint(len(r.users) + 1)
	r.users = append(r.users, *user)
	return nil
}

func (r *memoryUserRepo) FindByUsername(username string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memoryUserRepo) FindByID(id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

type memoryRoomRepo struct {
	mu    sync.Mutex
	rooms map[string]models.Room
}

func (r *memoryRoomRepo) Create(room *models.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room.Code]; ok {
		return repository.ErrDuplicate
	}
	room.ID = uint(len(r.rooms) + 1)
	r.rooms[room.Code] = *room
	return nil
}

func (r *memoryRoomRepo) FindByCode(code string) (*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &room, nil
}

func (r *memoryRoomRepo) Update(room *models.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.Code] = *room
	return nil
}

func (r *memoryRoomRepo) FindPublicWaiting() ([]models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Room
	for _, room := range r.rooms {
		if room.IsPublic && room.Status == models.RoomStatusWaiting {
			out = append(out, room)
		}
	}
	return out, nil
}

type memoryFeedbackRepo struct {
	mu      sync.Mutex
	records []models.FeedbackRecord
}

func (r *memoryFeedbackRepo) CreateBatch(records []models.FeedbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}

func (r *memoryFeedbackRepo) FindByRoomCode(code string) ([]models.FeedbackRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FeedbackRecord
	for _, rec := range r.records {
		if rec.RoomCode == code {
			out = append(out, rec)
		}
	}
	return out, nil
}

type memoryReportRepo struct {
	mu      sync.Mutex
	reports []models.SessionReport
}

func (r *memoryReportRepo) SaveAll(reports []models.SessionReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, reports...)
	return nil
}

func (r *memoryReportRepo) FindByParticipant(roomCode, participantID string) (*models.SessionReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.reports {
		if rep.RoomCode == roomCode && rep.ParticipantID == participantID {
			return &rep, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memoryReportRepo) FindByRoom(roomCode string) ([]models.SessionReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionReport
	for _, rep := range r.reports {
		if rep.RoomCode == roomCode {
			out = append(out, rep)
		}
	}
	return out, nil
}
