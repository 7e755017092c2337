package service

import (
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"speech_room/internal/models"
	"speech_room/internal/repository"
)

type roomFixture struct {
	rooms     *memoryRoomRepo
	feedbacks *memoryFeedbackRepo
	reports   *memoryReportRepo
	manager   *WebSocketManager
	svc       *RoomService
}

func newRoomFixture(t *testing.T) *roomFixture {
	t.Helper()
	f := &roomFixture{
		rooms:     newMemoryRoomRepo(),
		feedbacks: &memoryFeedbackRepo{},
		reports:   newMemoryReportRepo(),
	}
	f.manager = newTestManager(t, nil)
	f.svc = NewRoomService(f.rooms, f.feedbacks, NewReportService(f.reports, nil, nil), f.manager, nil)
	return f
}

func validInput() CreateRoomInput {
	return CreateRoomInput{
		Name:            " Tuesday club ",
		TopicCategory:   "Technology",
		TimePerSpeaker:  3,
		MaxParticipants: 4,
		IsPublic:        true,
	}
}

func TestCreateRoom(t *testing.T) {
	f := newRoomFixture(t)

	room, err := f.svc.CreateRoom(hostUser, validInput())
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	if len(room.Code) != roomCodeLength || room.Name != "Tuesday club" || room.HostUserID != hostUser {
		t.Fatalf("room = %s", spew.Sdump(room))
	}
	if room.Status != models.RoomStatusWaiting || room.TotalDuration() != 12 {
		t.Fatalf("status = %s total = %d", room.Status, room.TotalDuration())
	}

	got, err := f.svc.GetRoom(room.Code)
	if err != nil || got.Code != room.Code {
		t.Fatalf("GetRoom() = %v, %v", got, err)
	}
	if _, err := f.svc.GetRoom("NOPE"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("GetRoom(unknown) error = %v", err)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	tests := []struct {
		name  string
		patch func(*CreateRoomInput)
	}{
		{"blank name", func(in *CreateRoomInput) { in.Name = "  " }},
		{"zero time", func(in *CreateRoomInput) { in.TimePerSpeaker = 0 }},
		{"long time", func(in *CreateRoomInput) { in.TimePerSpeaker = 31 }},
		{"single seat", func(in *CreateRoomInput) { in.MaxParticipants = 1 }},
		{"crowd", func(in *CreateRoomInput) { in.MaxParticipants = 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRoomFixture(t)
			in := validInput()
			tt.patch(&in)
			if _, err := f.svc.CreateRoom(hostUser, in); !errors.Is(err, ErrInvalidRoom) {
				t.Fatalf("CreateRoom() error = %v, want ErrInvalidRoom", err)
			}
		})
	}
}

func TestCreateRoomRetriesDuplicateCode(t *testing.T) {
	f := newRoomFixture(t)
	f.rooms.createErrs = []error{repository.ErrDuplicate, repository.ErrDuplicate}

	codes := []string{"AAAA0001", "AAAA0002", "AAAA0003"}
	f.svc.newCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	room, err := f.svc.CreateRoom(hostUser, validInput())
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	if room.Code != "AAAA0003" {
		t.Fatalf("code = %s, want third attempt", room.Code)
	}
}

func TestCheckJoin(t *testing.T) {
	f := newRoomFixture(t)
	in := validInput()
	in.MaxParticipants = 2
	room, err := f.svc.CreateRoom(hostUser, in)
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}

	if _, err := f.svc.CheckJoin("missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("CheckJoin(missing) error = %v", err)
	}
	if _, err := f.svc.CheckJoin(room.Code); err != nil {
		t.Fatalf("CheckJoin() on empty room error: %v", err)
	}

	join(t, f.manager, *room, "A", hostUser)
	join(t, f.manager, *room, "B", 0)
	if _, err := f.svc.CheckJoin(room.Code); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("CheckJoin() on full room error = %v, want ErrRoomFull", err)
	}

	stale := *room
	stale.Code = "STALE001"
	stale.Status = models.RoomStatusActive
	f.rooms.rooms[stale.Code] = stale
	if _, err := f.svc.CheckJoin(stale.Code); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("CheckJoin() on orphaned active room error = %v, want ErrRoomClosed", err)
	}
}

func TestListRoomsCountsConnections(t *testing.T) {
	f := newRoomFixture(t)
	public, err := f.svc.CreateRoom(hostUser, validInput())
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	private := validInput()
	private.IsPublic = false
	if _, err := f.svc.CreateRoom(hostUser, private); err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}

	join(t, f.manager, *public, "A", 0)

	listings, err := f.svc.ListRooms()
	if err != nil {
		t.Fatalf("ListRooms() error: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("listings = %s", spew.Sdump(listings))
	}
	l := listings[0]
	if l.Code != public.Code || l.ConnectedCount != 1 || l.AvailableSlots != 3 || l.TotalDuration != 12 {
		t.Fatalf("listing = %s", spew.Sdump(l))
	}
}

func TestSessionPersistence(t *testing.T) {
	f := newRoomFixture(t)
	room, err := f.svc.CreateRoom(hostUser, validInput())
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}

	started := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	snap := models.RoomSnapshot{
		ID:               room.Code,
		Status:           models.RoomStatusActive,
		SpeakingOrder:    []string{"b", "a"},
		SessionStartTime: &started,
		Participants: []models.Participant{
			{ID: "a", Name: "A", FeedbackReceived: []models.Feedback{{ID: "f1", FromParticipant: "b", ToParticipant: "a", Message: "good", Type: models.FeedbackPositive}}},
			{ID: "b", Name: "B"},
		},
	}

	f.svc.SessionStarted(snap)
	stored, _ := f.rooms.FindByCode(room.Code)
	if stored.Status != models.RoomStatusActive || len(stored.SpeakingOrder) != 2 || !stored.StartedAt.Equal(started) {
		t.Fatalf("after start = %s", spew.Sdump(stored))
	}

	snap.Status = models.RoomStatusCompleted
	snap.LiveFeedbacks = snap.Participants[0].FeedbackReceived
	f.svc.SessionCompleted(snap)

	stored, _ = f.rooms.FindByCode(room.Code)
	if stored.Status != models.RoomStatusCompleted || stored.EndedAt == nil {
		t.Fatalf("after completion = %s", spew.Sdump(stored))
	}

	records, err := f.svc.Feedbacks(room.Code)
	if err != nil || len(records) != 1 || records[0].FeedbackID != "f1" {
		t.Fatalf("archived feedback = %s, %v", spew.Sdump(records), err)
	}

	reports, err := f.svc.reports.ListReports(room.Code)
	if err != nil || len(reports) != 2 {
		t.Fatalf("reports = %d, %v", len(reports), err)
	}
	if _, err := f.svc.reports.GetReport(room.Code, "a"); err != nil {
		t.Fatalf("GetReport() error: %v", err)
	}

	state, err := f.svc.RoomState(room.Code)
	if err != nil {
		t.Fatalf("RoomState() error: %v", err)
	}
	if state.Status != models.RoomStatusCompleted {
		t.Fatalf("state status = %s", state.Status)
	}
}
