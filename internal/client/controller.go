// Package client 是參與者端的練習控制器：讀取房間廣播、維護本地倒數，
// 並驅動與其他參與者的點對點連線。房間狀態只由伺服器改變，這裡只保留唯讀投影。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"speech_room/internal/metrics"
	"speech_room/internal/models"
	"speech_room/internal/peer"
)

const (
	defaultOfferStagger   = 500 * time.Millisecond
	defaultJoinOfferDelay = 100 * time.Millisecond
	defaultFeedbackWindow = 30 * time.Second

	eventBuffer = 64
	workBuffer  = 256
)

var ErrCommandRejected = errors.New("伺服器拒絕指令")

// PeerManager 是控制器需要的點對點連線操作，由 *peer.Manager 實作
type PeerManager interface {
	SetSelf(id string)
	EnsureOffer(ctx context.Context, peerID string) error
	HandleRemoteOffer(ctx context.Context, peerID string, offer webrtc.SessionDescription) error
	HandleAnswer(peerID string, answer webrtc.SessionDescription) error
	HandleICECandidate(peerID string, candidate webrtc.ICECandidateInit) error
	Teardown(peerID string)
	ToggleLocalAudio(enabled bool) bool
	ToggleLocalVideo(enabled bool) bool
	Subscribe() (<-chan peer.Event, func())
	Close() error
}

type Config struct {
	// 為 0 時使用房間設定的準備與發言時間
	PreparationTime time.Duration
	SpeakingTime    time.Duration
	FeedbackWindow  time.Duration
	// OfferStagger 是新加入者對每位既有成員發起協商的間隔
	OfferStagger   time.Duration
	JoinOfferDelay time.Duration
	// AutoAdvance 讓主持人在回饋時間結束後自動換下一位
	AutoAdvance bool
	Metrics     metrics.Source
	Logger      *zerolog.Logger
}

type EventType string

const (
	EventRoomUpdated      EventType = "room_updated"
	EventPhaseChanged     EventType = "phase_changed"
	EventTurnComplete     EventType = "turn_complete"
	EventFeedbackReceived EventType = "feedback_received"
	EventCommandRejected  EventType = "command_rejected"
	EventSessionCompleted EventType = "session_completed"
	EventPeerUnreachable  EventType = "peer_unreachable"
)

type Event struct {
	Type     EventType
	Room     models.RoomSnapshot
	Phase    models.Phase
	Duration time.Duration // 本階段的倒數長度
	Feedback *models.Feedback
	Analysis models.SpeechAnalysis
	Command  string
	PeerID   string
	Err      error
}

type timerFired struct {
	gen   int
	phase models.Phase
}

// Controller 以單一事件迴圈處理房間廣播與本地倒數
type Controller struct {
	cfg     Config
	channel *Channel
	peers   PeerManager
	logger  zerolog.Logger

	inbox  chan *models.SignalMessage
	timers chan timerFired
	offers chan string
	work   chan func(context.Context)
	done   chan struct{}

	// 以下由事件迴圈寫入
	mu         sync.RWMutex
	self       string
	room       models.RoomSnapshot
	phase      models.Phase
	gen        int
	timer      *time.Timer
	speaking   bool
	speakStart time.Time

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewController(channel *Channel, peers PeerManager, cfg Config) *Controller {
	if cfg.OfferStagger <= 0 {
		cfg.OfferStagger = defaultOfferStagger
	}
	if cfg.JoinOfferDelay <= 0 {
		cfg.JoinOfferDelay = defaultJoinOfferDelay
	}
	if cfg.FeedbackWindow <= 0 {
		cfg.FeedbackWindow = defaultFeedbackWindow
	}
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Controller{
		cfg:     cfg,
		channel: channel,
		peers:   peers,
		logger:  l.With().Str("component", "controller").Logger(),
		inbox:   make(chan *models.SignalMessage, 64),
		timers:  make(chan timerFired, 8),
		offers:  make(chan string, 64),
		work:    make(chan func(context.Context), workBuffer),
		done:    make(chan struct{}),
		phase:   models.PhaseWaiting,
		subs:    make(map[int]chan Event),
	}
}

// Run 執行事件迴圈直到 ctx 結束或通道中斷。
// 結束時關閉通道與所有點對點連線；通道中斷時回傳 *SignalingError。
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go c.readLoop(ctx, readErr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.negotiate(ctx)
	}()

	peerEvents, unsubscribe := c.peers.Subscribe()

	defer func() {
		close(c.done)
		c.stopTimer()
		c.channel.Close()
		unsubscribe()
		cancel()
		wg.Wait()
		if err := c.peers.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close peer connections")
		}
		c.closeSubscribers()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("signaling channel lost")
			return err

		case msg := <-c.inbox:
			c.handle(ctx, msg)

		case t := <-c.timers:
			c.onTimer(t)

		case id := <-c.offers:
			c.enqueue(func(ctx context.Context) {
				if err := c.peers.EnsureOffer(ctx, id); err != nil {
					c.logger.Warn().Err(err).Str("peer", id).Msg("offer")
				}
			})

		case ev, ok := <-peerEvents:
			if !ok {
				peerEvents = nil
				continue
			}
			if ev.Type == peer.EventNegotiationFailed {
				c.emit(Event{Type: EventPeerUnreachable, PeerID: ev.PeerID, Err: ev.Err, Room: c.Room()})
			}
		}
	}
}

func (c *Controller) readLoop(ctx context.Context, errc chan<- error) {
	for {
		msg, err := c.channel.Receive()
		if err != nil {
			var serr *SignalingError
			if errors.As(err, &serr) {
				errc <- err
				return
			}
			c.logger.Debug().Err(err).Msg("malformed message ignored")
			continue
		}
		select {
		case c.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// negotiate 依序執行點對點協商，避免阻塞事件迴圈，同時保留同一對象信令的順序
func (c *Controller) negotiate(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.work:
			fn(ctx)
		}
	}
}

func (c *Controller) enqueue(fn func(context.Context)) {
	select {
	case c.work <- fn:
	default:
		c.logger.Warn().Msg("negotiation queue full, dropping")
	}
}

func (c *Controller) handle(ctx context.Context, msg *models.SignalMessage) {
	switch msg.Type {
	case models.MessageRoomState:
		c.mu.Lock()
		c.self = msg.UserID
		c.mu.Unlock()
		c.peers.SetSelf(msg.UserID)

		room := c.applyRoom(msg.Room)
		others := 0
		for _, p := range room.Participants {
			if p.ID == msg.UserID {
				continue
			}
			others++
			c.scheduleOffer(p.ID, c.cfg.OfferStagger*time.Duration(others))
		}
		c.logger.Info().Str("room", room.ID).Str("participant", msg.UserID).Int("peers", others).Msg("admitted")
		if room.Status == models.RoomStatusActive && room.CurrentSpeaker != "" {
			c.startTurn(room)
		}

	case models.MessageParticipantJoined:
		c.applyRoom(msg.Room)
		if msg.NewParticipant != nil && msg.NewParticipant.ID != c.Self() {
			c.scheduleOffer(msg.NewParticipant.ID, c.cfg.JoinOfferDelay)
		}

	case models.MessageParticipantDisconnected, models.MessageParticipantUpdated:
		before := c.Room()
		room := c.applyRoom(msg.Room)
		for _, p := range before.Participants {
			if _, ok := room.Participant(p.ID); !ok && p.ID != c.Self() {
				id := p.ID
				c.enqueue(func(context.Context) { c.peers.Teardown(id) })
			}
		}

	case models.MessageSessionStarted, models.MessageSpeakerChanged:
		before := c.Room()
		room := c.applyRoom(msg.Room)
		if c.isSpeaking() && before.CurrentSpeaker == c.Self() && room.CurrentSpeaker != c.Self() {
			// 主持人在本地倒數結束前就換人
			c.finishTurn(room.Status == models.RoomStatusActive)
		}
		if room.Status == models.RoomStatusCompleted {
			c.stopTimer()
			c.setPhase(models.PhaseCompleted, 0)
			c.emit(Event{Type: EventSessionCompleted, Room: room})
			return
		}
		c.startTurn(room)

	case models.MessageSendFeedback:
		if msg.Feedback != nil {
			c.emit(Event{Type: EventFeedbackReceived, Feedback: msg.Feedback, Room: c.Room()})
		}

	case models.MessageCommandRejected, models.MessageError:
		err := errors.Join(ErrCommandRejected, errors.New(msg.Error))
		c.logger.Info().Str("command", msg.Command).Str("reason", msg.Error).Msg("command rejected")
		c.emit(Event{Type: EventCommandRejected, Command: msg.Command, Err: err, Room: c.Room()})

	case models.MessageWebRTCOffer, models.MessageWebRTCAnswer, models.MessageWebRTCICECandidate:
		c.handleRelay(msg)

	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unknown message ignored")
	}
}

func (c *Controller) handleRelay(msg *models.SignalMessage) {
	from, payload := msg.From, msg.RelayPayload()
	logger := c.logger.With().Str("type", msg.Type).Str("from", from).Logger()

	switch msg.Type {
	case models.MessageWebRTCOffer, models.MessageWebRTCAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sdp); err != nil {
			logger.Debug().Err(err).Msg("bad session description")
			return
		}
		c.enqueue(func(ctx context.Context) {
			var err error
			if msg.Type == models.MessageWebRTCOffer {
				err = c.peers.HandleRemoteOffer(ctx, from, sdp)
			} else {
				err = c.peers.HandleAnswer(from, sdp)
			}
			if err != nil {
				logger.Warn().Err(err).Msg("apply session description")
			}
		})

	case models.MessageWebRTCICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &cand); err != nil {
			logger.Debug().Err(err).Msg("bad candidate")
			return
		}
		c.enqueue(func(context.Context) {
			if err := c.peers.HandleICECandidate(from, cand); err != nil {
				logger.Debug().Err(err).Msg("add candidate")
			}
		})
	}
}

func (c *Controller) scheduleOffer(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case c.offers <- id:
		default:
		}
	})
}

func (c *Controller) applyRoom(room *models.RoomSnapshot) models.RoomSnapshot {
	if room == nil {
		return c.Room()
	}
	c.mu.Lock()
	c.room = *room
	c.mu.Unlock()
	c.emit(Event{Type: EventRoomUpdated, Room: *room})
	return *room
}

// startTurn 從收到換人廣播的時間點開始本地倒數
func (c *Controller) startTurn(room models.RoomSnapshot) {
	prep := c.cfg.PreparationTime
	if prep <= 0 {
		prep = time.Duration(room.PreparationSeconds) * time.Second
	}
	c.schedule(models.PhasePreparation, prep)
}

func (c *Controller) speakingTime() time.Duration {
	if c.cfg.SpeakingTime > 0 {
		return c.cfg.SpeakingTime
	}
	return time.Duration(c.Room().TimePerSpeaker) * time.Minute
}

// schedule 取消目前的倒數並以新的世代開始下一階段
func (c *Controller) schedule(phase models.Phase, d time.Duration) {
	c.stopTimer()
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		select {
		case c.timers <- timerFired{gen: gen, phase: phase}:
		case <-c.done:
		}
	})
	c.mu.Unlock()
	c.setPhase(phase, d)

	if phase == models.PhaseSpeaking && c.Room().CurrentSpeaker == c.Self() {
		c.beginSpeaking()
	}
}

func (c *Controller) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onTimer(t timerFired) {
	c.mu.RLock()
	stale := t.gen != c.gen
	c.mu.RUnlock()
	if stale {
		return
	}

	switch t.phase {
	case models.PhasePreparation:
		c.schedule(models.PhaseSpeaking, c.speakingTime())
	case models.PhaseSpeaking:
		if c.isSpeaking() {
			c.finishTurn(true)
		}
		c.schedule(models.PhaseFeedback, c.cfg.FeedbackWindow)
	case models.PhaseFeedback:
		room := c.Room()
		if c.cfg.AutoAdvance && room.HostID == c.Self() && room.Status == models.RoomStatusActive {
			if err := c.NextSpeaker(); err != nil {
				c.logger.Warn().Err(err).Msg("auto advance")
			}
		}
	}
}

func (c *Controller) setPhase(phase models.Phase, d time.Duration) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
	c.emit(Event{Type: EventPhaseChanged, Phase: phase, Duration: d, Room: c.Room()})
}

func (c *Controller) isSpeaking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speaking
}

func (c *Controller) beginSpeaking() {
	c.mu.Lock()
	c.speaking = true
	c.speakStart = time.Now()
	c.mu.Unlock()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Start()
	}
	c.logger.Info().Msg("speaking turn started")
}

// finishTurn 停止指標蒐集；submit 為 true 時把結果交給伺服器
func (c *Controller) finishTurn(submit bool) {
	c.mu.Lock()
	c.speaking = false
	used := time.Since(c.speakStart).Seconds()
	c.mu.Unlock()

	data := models.ParticipantData{SpeakingTimeUsed: &used}
	var analysis models.SpeechAnalysis
	if c.cfg.Metrics != nil {
		analysis = c.cfg.Metrics.Stop()
		data.Analysis = &analysis
	}
	if submit {
		if err := c.channel.Send(&models.SignalMessage{Type: models.MessageUpdateParticipantData, Data: &data}); err != nil {
			c.logger.Warn().Err(err).Msg("submit turn data")
		}
	}
	c.logger.Info().Float64("speaking_time", used).Msg("speaking turn complete")
	c.emit(Event{Type: EventTurnComplete, Analysis: analysis, Room: c.Room()})
}

// Room 回傳最近一次收到的房間狀態
func (c *Controller) Room() models.RoomSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Controller) Self() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

func (c *Controller) Phase() models.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Controller) SetName(name string) error {
	return c.channel.Send(&models.SignalMessage{Type: models.MessageSetParticipantName, Name: name})
}

func (c *Controller) StartSession() error {
	return c.channel.Send(&models.SignalMessage{Type: models.MessageStartSession})
}

func (c *Controller) NextSpeaker() error {
	return c.channel.Send(&models.SignalMessage{Type: models.MessageNextSpeaker})
}

// ToggleCamera 立即切換本地視訊軌，再通知房間
func (c *Controller) ToggleCamera(enabled bool) error {
	c.peers.ToggleLocalVideo(enabled)
	return c.channel.Send(&models.SignalMessage{Type: models.MessageToggleCamera, Enabled: &enabled})
}

func (c *Controller) ToggleMic(enabled bool) error {
	c.peers.ToggleLocalAudio(enabled)
	return c.channel.Send(&models.SignalMessage{Type: models.MessageToggleMic, Enabled: &enabled})
}

func (c *Controller) SendFeedback(to string, typ models.FeedbackType, message string) error {
	return c.channel.Send(&models.SignalMessage{
		Type: models.MessageSendFeedback,
		Feedback: &models.Feedback{
			ToParticipant: to,
			Message:       message,
			Type:          typ,
		},
	})
}

// Subscribe 註冊事件接收者；接收太慢時事件會被丟棄。Run 結束後通道會被關閉。
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan Event, eventBuffer)
	if c.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
}

func (c *Controller) emit(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn().Str("event", string(ev.Type)).Msg("event subscriber full, dropping")
		}
	}
}

func (c *Controller) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
