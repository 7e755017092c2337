package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"speech_room/internal/models"
)

func TestCanStart(t *testing.T) {
	roster := []models.Participant{{ID: "a"}, {ID: "b"}}
	tests := []struct {
		name string
		room models.RoomSnapshot
		self string
		want bool
	}{
		{"host with enough participants", models.RoomSnapshot{HostID: "a", Status: models.RoomStatusWaiting, Participants: roster}, "a", true},
		{"not the host", models.RoomSnapshot{HostID: "a", Status: models.RoomStatusWaiting, Participants: roster}, "b", false},
		{"no host", models.RoomSnapshot{Status: models.RoomStatusWaiting, Participants: roster}, "", false},
		{"already active", models.RoomSnapshot{HostID: "a", Status: models.RoomStatusActive, Participants: roster}, "a", false},
		{"alone", models.RoomSnapshot{HostID: "a", Status: models.RoomStatusWaiting, Participants: roster[:1]}, "a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canStart(tt.room, tt.self, 2); got != tt.want {
				t.Fatalf("canStart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunDoesNotRetryRejectedRoom(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"房間已關閉"}`, http.StatusGone)
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	err := run(context.Background(), options{server: srv.URL, room: "ROOM0001", reconnect: 3}, &logger)
	if err == nil {
		t.Fatal("run() error = nil, want rejection")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hit %d times, want 1", n)
	}
}
