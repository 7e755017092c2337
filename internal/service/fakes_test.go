package service

import (
	"context"
	"errors"
	"sync"

	"speech_room/internal/models"
	"speech_room/internal/repository"
)

type memoryRoomRepo struct {
	mu    sync.Mutex
	rooms map[string]models.Room
	// createErrs 依序回傳給 Create，用來模擬加入碼重複
	createErrs []error
}

func newMemoryRoomRepo() *memoryRoomRepo {
	return &memoryRoomRepo{rooms: make(map[string]models.Room)}
}

func (r *memoryRoomRepo) Create(room *models.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		if err != nil {
			return err
		}
	}
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
	reports map[string]models.SessionReport
}

func newMemoryReportRepo() *memoryReportRepo {
	return &memoryReportRepo{reports: make(map[string]models.SessionReport)}
}

func (r *memoryReportRepo) SaveAll(reports []models.SessionReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range reports {
		r.reports[rep.RoomCode+"/"+rep.ParticipantID] = rep
	}
	return nil
}

func (r *memoryReportRepo) FindByParticipant(roomCode, participantID string) (*models.SessionReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[roomCode+"/"+participantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rep, nil
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

type stubSummarizer struct {
	text string
	err  error

	mu      sync.Mutex
	prompts []string
}

func (s *stubSummarizer) Summarize(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

var errBackend = errors.New("backend unavailable")
