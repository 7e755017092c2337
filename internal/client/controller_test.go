package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"

	"speech_room/internal/metrics"
	"speech_room/internal/models"
	"speech_room/internal/peer"
)

const waitTimeout = 3 * time.Second

var errConnClosed = errors.New("connection closed")

// pipeConn 是記憶體中的信令連線，測試扮演伺服器
type pipeConn struct {
	in     chan []byte
	out    chan models.SignalMessage
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan models.SignalMessage, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadJSON(v any) error {
	select {
	case b := <-p.in:
		return json.Unmarshal(b, v)
	case <-p.closed:
		return errConnClosed
	}
}

func (p *pipeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg models.SignalMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return err
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return errConnClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) push(t *testing.T, msg models.SignalMessage) {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	p.in <- b
}

func (p *pipeConn) expect(t *testing.T, typ string) models.SignalMessage {
	t.Helper()
	select {
	case msg := <-p.out:
		if msg.Type != typ {
			t.Fatalf("client sent %s, want %s\n%s", msg.Type, typ, spew.Sdump(msg))
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for client to send %s", typ)
	}
	return models.SignalMessage{}
}

// fakePeers 記錄控制器對點對點連線的操作
type fakePeers struct {
	mu     sync.Mutex
	self   string
	video  bool
	audio  bool
	closed bool
	calls  chan string
	events chan peer.Event

	// onOffer 不為 nil 時由 EnsureOffer 呼叫，用來把 offer 送進真實的信令通道
	onOffer func(peerID string)
}

func newFakePeers() *fakePeers {
	return &fakePeers{
		video:  true,
		audio:  true,
		calls:  make(chan string, 64),
		events: make(chan peer.Event, 8),
	}
}

func (f *fakePeers) SetSelf(id string) {
	f.mu.Lock()
	f.self = id
	f.mu.Unlock()
}

func (f *fakePeers) EnsureOffer(_ context.Context, id string) error {
	f.calls <- "offer:" + id
	if f.onOffer != nil {
		f.onOffer(id)
	}
	return nil
}

func (f *fakePeers) HandleRemoteOffer(_ context.Context, id string, _ webrtc.SessionDescription) error {
	f.calls <- "remote_offer:" + id
	return nil
}

func (f *fakePeers) HandleAnswer(id string, _ webrtc.SessionDescription) error {
	f.calls <- "answer:" + id
	return nil
}

func (f *fakePeers) HandleICECandidate(id string, _ webrtc.ICECandidateInit) error {
	f.calls <- "candidate:" + id
	return nil
}

func (f *fakePeers) Teardown(id string) {
	f.calls <- "teardown:" + id
}

func (f *fakePeers) ToggleLocalAudio(enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = enabled
	return true
}

func (f *fakePeers) ToggleLocalVideo(enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = enabled
	return true
}

func (f *fakePeers) Subscribe() (<-chan peer.Event, func()) {
	return f.events, func() {}
}

func (f *fakePeers) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeers) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.calls:
		if got != want {
			t.Fatalf("peer call = %s, want %s", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for peer call %s", want)
	}
}

type harness struct {
	conn   *pipeConn
	peers  *fakePeers
	ctrl   *Controller
	events <-chan Event
	result chan error
	cancel context.CancelFunc
}

func startController(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		conn:   newPipeConn(),
		peers:  newFakePeers(),
		result: make(chan error, 1),
	}
	if cfg.OfferStagger == 0 {
		cfg.OfferStagger = 10 * time.Millisecond
	}
	if cfg.JoinOfferDelay == 0 {
		cfg.JoinOfferDelay = time.Millisecond
	}
	h.ctrl = NewController(NewChannel(h.conn), h.peers, cfg)
	h.events, _ = h.ctrl.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.result:
		case <-time.After(waitTimeout):
			t.Errorf("Run() did not return after cancel")
		}
	})
	return h
}

func (h *harness) waitEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (h *harness) waitPhase(t *testing.T, phase models.Phase) Event {
	t.Helper()
	for {
		ev := h.waitEvent(t, EventPhaseChanged)
		if ev.Phase == phase {
			return ev
		}
	}
}

func snapshot(status models.RoomStatus, speaker string, ids ...string) *models.RoomSnapshot {
	snap := &models.RoomSnapshot{
		ID:                 "ROOM0001",
		Status:             status,
		HostID:             "me",
		TimePerSpeaker:     1,
		PreparationSeconds: 60,
		CurrentSpeaker:     speaker,
		SpeakingOrder:      ids,
	}
	for _, id := range ids {
		snap.Participants = append(snap.Participants, models.Participant{ID: id, Name: id})
	}
	return snap
}

func TestRoomStateSchedulesStaggeredOffers(t *testing.T) {
	h := startController(t, Config{})
	h.conn.push(t, models.SignalMessage{
		Type:   models.MessageRoomState,
		UserID: "me",
		Room:   snapshot(models.RoomStatusWaiting, "", "a", "me", "b"),
	})

	h.peers.expect(t, "offer:a")
	h.peers.expect(t, "offer:b")

	if h.ctrl.Self() != "me" || len(h.ctrl.Room().Participants) != 3 {
		t.Fatalf("self = %q room = %s", h.ctrl.Self(), spew.Sdump(h.ctrl.Room()))
	}
	h.peers.mu.Lock()
	self := h.peers.self
	h.peers.mu.Unlock()
	if self != "me" {
		t.Fatalf("peer manager identity = %q", self)
	}
	if h.ctrl.Phase() != models.PhaseWaiting {
		t.Fatalf("phase = %s, want waiting", h.ctrl.Phase())
	}
}

func TestRosterChangesDrivePeers(t *testing.T) {
	h := startController(t, Config{})
	h.conn.push(t, models.SignalMessage{Type: models.MessageRoomState, UserID: "me", Room: snapshot(models.RoomStatusWaiting, "", "me")})
	h.waitEvent(t, EventRoomUpdated)

	joined := models.Participant{ID: "c", Name: "C"}
	h.conn.push(t, models.SignalMessage{
		Type:           models.MessageParticipantJoined,
		Room:           snapshot(models.RoomStatusWaiting, "", "me", "c"),
		NewParticipant: &joined,
	})
	h.peers.expect(t, "offer:c")

	h.conn.push(t, models.SignalMessage{
		Type:   models.MessageParticipantDisconnected,
		UserID: "c",
		Room:   snapshot(models.RoomStatusWaiting, "", "me"),
	})
	h.peers.expect(t, "teardown:c")
	if n := len(h.ctrl.Room().Participants); n != 1 {
		t.Fatalf("roster size = %d, want 1", n)
	}
}

func TestRelayReachesPeerManager(t *testing.T) {
	h := startController(t, Config{})
	h.conn.push(t, models.SignalMessage{Type: models.MessageRoomState, UserID: "me", Room: snapshot(models.RoomStatusWaiting, "", "me")})

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`)

	h.conn.push(t, models.SignalMessage{Type: models.MessageWebRTCOffer, From: "a", To: "me", Payload: sdp})
	h.conn.push(t, models.SignalMessage{Type: models.MessageWebRTCICECandidate, From: "a", To: "me", Payload: cand})
	h.conn.push(t, models.SignalMessage{Type: models.MessageWebRTCAnswer, From: "b", To: "me", Payload: answer})

	h.peers.expect(t, "remote_offer:a")
	h.peers.expect(t, "candidate:a")
	h.peers.expect(t, "answer:b")

	// 無法解析的內容直接忽略
	h.conn.push(t, models.SignalMessage{Type: models.MessageWebRTCOffer, From: "a", Payload: json.RawMessage(`"x"`)})
	select {
	case call := <-h.peers.calls:
		t.Fatalf("unexpected peer call %s", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpeakerCountdownSubmitsTurnData(t *testing.T) {
	sim := metrics.NewSimulator(metrics.SimulatorConfig{Seed: 3, FPS: 200})
	h := startController(t, Config{
		PreparationTime: 20 * time.Millisecond,
		SpeakingTime:    60 * time.Millisecond,
		FeedbackWindow:  20 * time.Millisecond,
		AutoAdvance:     true,
		Metrics:         sim,
	})
	h.conn.push(t, models.SignalMessage{Type: models.MessageRoomState, UserID: "me", Room: snapshot(models.RoomStatusWaiting, "", "me", "a")})
	h.peers.expect(t, "offer:a")

	h.conn.push(t, models.SignalMessage{Type: models.MessageSessionStarted, Room: snapshot(models.RoomStatusActive, "me", "me", "a")})

	if ev := h.waitPhase(t, models.PhasePreparation); ev.Duration != 20*time.Millisecond {
		t.Fatalf("preparation duration = %s", ev.Duration)
	}
	h.waitPhase(t, models.PhaseSpeaking)
	turn := h.waitEvent(t, EventTurnComplete)
	if turn.Analysis.ConfidenceScore == 0 {
		t.Fatalf("turn analysis = %s", spew.Sdump(turn.Analysis))
	}

	data := h.conn.expect(t, models.MessageUpdateParticipantData)
	if data.Data == nil || data.Data.SpeakingTimeUsed == nil || *data.Data.SpeakingTimeUsed <= 0 || data.Data.Analysis == nil {
		t.Fatalf("submitted data = %s", spew.Sdump(data.Data))
	}

	h.waitPhase(t, models.PhaseFeedback)
	h.conn.expect(t, models.MessageNextSpeaker)
}

func TestCompletionCancelsCountdown(t *testing.T) {
	h := startController(t, Config{
		PreparationTime: 30 * time.Millisecond,
		SpeakingTime:    30 * time.Millisecond,
		AutoAdvance:     true,
	})
	h.conn.push(t, models.SignalMessage{Type: models.MessageRoomState, UserID: "me", Room: snapshot(models.RoomStatusWaiting, "", "me", "a")})
	h.conn.push(t, models.SignalMessage{Type: models.MessageSessionStarted, Room: snapshot(models.RoomStatusActive, "a", "me", "a")})
	h.waitPhase(t, models.PhasePreparation)

	h.conn.push(t, models.SignalMessage{Type: models.MessageSpeakerChanged, Room: snapshot(models.RoomStatusCompleted, "", "me", "a")})
	done := h.waitEvent(t, EventSessionCompleted)
	if done.Room.Status != models.RoomStatusCompleted {
		t.Fatalf("completed room = %s", spew.Sdump(done.Room))
	}

	// 舊的倒數不能再改變階段
	time.Sleep(100 * time.Millisecond)
	if got := h.ctrl.Phase(); got != models.PhaseCompleted {
		t.Fatalf("phase = %s after completion", got)
	}
	select {
	case msg := <-h.conn.out:
		t.Fatalf("client sent %s after completion", msg.Type)
	default:
	}
}

func TestRejectionsAndUnreachablePeers(t *testing.T) {
	h := startController(t, Config{})
	h.conn.push(t, models.SignalMessage{Type: models.MessageCommandRejected, Command: models.MessageStartSession, Error: "只有主持人可以執行此操作"})

	ev := h.waitEvent(t, EventCommandRejected)
	if ev.Command != models.MessageStartSession || !errors.Is(ev.Err, ErrCommandRejected) {
		t.Fatalf("rejection event = %s", spew.Sdump(ev))
	}

	h.peers.events <- peer.Event{Type: peer.EventNegotiationFailed, PeerID: "a", Err: &peer.NegotiationError{PeerID: "a", Attempts: 3}}
	unreachable := h.waitEvent(t, EventPeerUnreachable)
	var negErr *peer.NegotiationError
	if unreachable.PeerID != "a" || !errors.As(unreachable.Err, &negErr) {
		t.Fatalf("unreachable event = %s", spew.Sdump(unreachable))
	}
}

func TestCommandsAreSent(t *testing.T) {
	h := startController(t, Config{})

	if err := h.ctrl.ToggleCamera(false); err != nil {
		t.Fatalf("ToggleCamera() error: %v", err)
	}
	msg := h.conn.expect(t, models.MessageToggleCamera)
	if msg.Enabled == nil || *msg.Enabled {
		t.Fatalf("toggle_camera = %s", spew.Sdump(msg))
	}
	h.peers.mu.Lock()
	video := h.peers.video
	h.peers.mu.Unlock()
	if video {
		t.Fatal("local video still enabled")
	}

	if err := h.ctrl.SendFeedback("a", models.FeedbackPositive, "clear voice"); err != nil {
		t.Fatalf("SendFeedback() error: %v", err)
	}
	fb := h.conn.expect(t, models.MessageSendFeedback)
	if fb.Feedback == nil || fb.Feedback.ToParticipant != "a" || fb.Feedback.Type != models.FeedbackPositive {
		t.Fatalf("send_feedback = %s", spew.Sdump(fb))
	}

	if err := h.ctrl.SetName("Ana"); err != nil {
		t.Fatalf("SetName() error: %v", err)
	}
	if got := h.conn.expect(t, models.MessageSetParticipantName); got.Name != "Ana" {
		t.Fatalf("name = %q", got.Name)
	}
}

func TestChannelLossEndsRun(t *testing.T) {
	h := startController(t, Config{})
	h.conn.push(t, models.SignalMessage{Type: models.MessageRoomState, UserID: "me", Room: snapshot(models.RoomStatusWaiting, "", "me")})
	h.waitEvent(t, EventRoomUpdated)

	h.conn.Close()
	var err error
	select {
	case err = <-h.result:
	case <-time.After(waitTimeout):
		t.Fatal("Run() did not return after the channel closed")
	}
	h.result <- err

	var serr *SignalingError
	if !errors.As(err, &serr) || !errors.Is(err, errConnClosed) {
		t.Fatalf("Run() error = %v, want SignalingError", err)
	}
	h.peers.mu.Lock()
	closed := h.peers.closed
	h.peers.mu.Unlock()
	if !closed {
		t.Fatal("peer connections not closed with the channel")
	}
	for range h.events {
	}
}
