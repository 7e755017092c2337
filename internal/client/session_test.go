package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"speech_room/internal/models"
	"speech_room/internal/service"
)

const hostUser = 7

// newRoomServer 以真實的房間信令服務啟動測試伺服器；Bearer token 直接當作使用者編號
func newRoomServer(t *testing.T, room models.Room) (*httptest.Server, *service.WebSocketManager) {
	t.Helper()
	m := service.NewWebSocketManager(service.WebSocketManagerConfig{
		Session: service.SessionOptions{PreparationSeconds: 60},
	})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/"+room.Code+"/ws") {
			http.NotFound(w, r)
			return
		}
		var userID uint
		if id, err := strconv.Atoi(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")); err == nil {
			userID = uint(id)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.HandleClient(r.Context(), room, service.NewClient(conn, room.Code, userID, r.URL.Query().Get("name"), 64))
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		m.Shutdown(ctx)
	})
	return srv, m
}

type participant struct {
	ctrl   *Controller
	peers  *fakePeers
	events <-chan Event
	result chan error
}

func (p *participant) waitEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	h := harness{events: p.events}
	return h.waitEvent(t, typ)
}

func joinRoom(t *testing.T, srv *httptest.Server, code, name string, userID uint, cfg Config) *participant {
	t.Helper()
	dial := DialConfig{ServerURL: srv.URL, RoomCode: code, Name: name}
	if userID != 0 {
		dial.Token = strconv.Itoa(int(userID))
	}
	ch, err := Dial(context.Background(), dial)
	if err != nil {
		t.Fatalf("Dial(%s) error: %v", name, err)
	}

	p := &participant{peers: newFakePeers(), result: make(chan error, 1)}
	p.peers.onOffer = func(to string) {
		ch.SendOffer(to, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	}
	if cfg.OfferStagger == 0 {
		cfg.OfferStagger = 10 * time.Millisecond
	}
	if cfg.JoinOfferDelay == 0 {
		cfg.JoinOfferDelay = time.Millisecond
	}
	p.ctrl = NewController(ch, p.peers, cfg)
	p.events, _ = p.ctrl.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { p.result <- p.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-p.result
	})
	return p
}

func TestDialRejectedRoom(t *testing.T) {
	room := models.Room{Code: "ROOMDIAL", Name: "Dial", HostUserID: hostUser, TimePerSpeaker: 1, MaxParticipants: 4, Status: models.RoomStatusWaiting}
	srv, _ := newRoomServer(t, room)

	_, err := Dial(context.Background(), DialConfig{ServerURL: srv.URL, RoomCode: "missing"})
	var serr *SignalingError
	if !errors.As(err, &serr) || serr.Status != http.StatusNotFound {
		t.Fatalf("Dial(missing) error = %v, want 404 SignalingError", err)
	}

	if _, err := Dial(context.Background(), DialConfig{ServerURL: "ftp://x", RoomCode: "A"}); !errors.Is(err, ErrInvalidServerURL) {
		t.Fatalf("Dial(ftp) error = %v", err)
	}
}

func TestRoomURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/rooms/ABCD1234/ws?name=Ana+B"},
		{"https://speech.example.com/", "wss://speech.example.com/api/rooms/ABCD1234/ws?name=Ana+B"},
	}
	for _, tt := range tests {
		got, err := DialConfig{ServerURL: tt.server, RoomCode: "abcd1234", Name: "Ana B"}.RoomURL()
		if err != nil || got != tt.want {
			t.Errorf("RoomURL(%s) = %q, %v; want %q", tt.server, got, err, tt.want)
		}
	}
}

func TestSessionOverRealHub(t *testing.T) {
	room := models.Room{Code: "ROOMLIVE", Name: "Live", HostUserID: hostUser, TimePerSpeaker: 1, MaxParticipants: 4, Status: models.RoomStatusWaiting}
	srv, _ := newRoomServer(t, room)

	fast := Config{
		PreparationTime: 10 * time.Millisecond,
		SpeakingTime:    40 * time.Millisecond,
		FeedbackWindow:  150 * time.Millisecond,
		OfferStagger:    300 * time.Millisecond,
	}
	hostCfg := fast
	hostCfg.AutoAdvance = true

	host := joinRoom(t, srv, room.Code, "Host", hostUser, hostCfg)
	host.waitEvent(t, EventRoomUpdated)
	guest := joinRoom(t, srv, room.Code, "Guest", 0, fast)
	guest.waitEvent(t, EventRoomUpdated)

	// 雙方都排程協商，既有成員的 offer 經由伺服器轉送給新加入者
	guestID, hostID := guest.ctrl.Self(), host.ctrl.Self()
	host.peers.expect(t, "offer:"+guestID)
	guest.peers.expect(t, "remote_offer:"+hostID)

	if err := guest.ctrl.StartSession(); err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	rejected := guest.waitEvent(t, EventCommandRejected)
	if !strings.Contains(rejected.Err.Error(), service.ErrNotHost.Error()) {
		t.Fatalf("rejection = %v", rejected.Err)
	}

	if err := host.ctrl.StartSession(); err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	final := host.waitEvent(t, EventSessionCompleted).Room
	guest.waitEvent(t, EventSessionCompleted)

	if final.Status != models.RoomStatusCompleted || final.CurrentSpeaker != "" {
		t.Fatalf("final room = %s", spew.Sdump(final))
	}
	for _, p := range final.Participants {
		if !p.HasSpoken || p.SpeakingTimeUsed <= 0 {
			t.Fatalf("participant %s did not finish a turn: %s", p.ID, spew.Sdump(p))
		}
	}
}
