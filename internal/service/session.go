package service

import (
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"speech_room/internal/models"
)

const defaultGuestName = "Guest"

// SessionOptions 允許測試替換亂數、時鐘與身份產生器
type SessionOptions struct {
	PreparationSeconds int
	Shuffle            func(n int, swap func(i, j int))
	Now                func() time.Time
	NewID              func() string
}

// Session 是單一房間的權威狀態機。
// 它本身不加鎖，所有呼叫都必須由房間的事件迴圈串行化。
type Session struct {
	room   models.Room
	status models.RoomStatus

	participants  []*models.Participant
	speakingOrder []string
	turn          int

	startedAt     *time.Time
	turnStartedAt *time.Time
	liveFeedbacks []models.Feedback

	preparationSeconds int
	shuffle            func(n int, swap func(i, j int))
	now                func() time.Time
	newID              func() string
}

// NewSession 以資料庫中的房間設定建立狀態機。
// 進程重啟後無法延續進行中的練習，因此非 waiting 的房間一律視為已結束。
func NewSession(room models.Room, opts SessionOptions) *Session {
	s := &Session{
		room:               room,
		status:             models.RoomStatusWaiting,
		turn:               -1,
		preparationSeconds: opts.PreparationSeconds,
		shuffle:            opts.Shuffle,
		now:                opts.Now,
		newID:              opts.NewID,
	}
	if room.Status != "" && room.Status != models.RoomStatusWaiting {
		s.status = models.RoomStatusCompleted
	}
	if s.shuffle == nil {
		s.shuffle = rand.Shuffle
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

func (s *Session) Status() models.RoomStatus {
	return s.status
}

// CurrentSpeaker 回傳目前發言者的身份，沒有時為空字串
func (s *Session) CurrentSpeaker() string {
	if s.status != models.RoomStatusActive || s.turn < 0 || s.turn >= len(s.speakingOrder) {
		return ""
	}
	return s.speakingOrder[s.turn]
}

func (s *Session) Len() int {
	return len(s.participants)
}

func (s *Session) find(id string) (*models.Participant, int) {
	for i, p := range s.participants {
		if p.ID == id {
			return p, i
		}
	}
	return nil, -1
}

func (s *Session) hasHost() bool {
	for _, p := range s.participants {
		if p.IsHost {
			return true
		}
	}
	return false
}

// Admit 為新的連線建立參與者並加入名單尾端。
// 房間建立者（以帳號辨識）在沒有其他主持人連線時取得主持人身份。
func (s *Session) Admit(name string, userID uint) (models.Participant, error) {
	if s.status == models.RoomStatusCompleted {
		return models.Participant{}, ErrRoomClosed
	}
	if s.room.MaxParticipants > 0 && len(s.participants) >= s.room.MaxParticipants {
		return models.Participant{}, ErrRoomFull
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultGuestName
	}

	p := &models.Participant{
		ID:               s.newID(),
		Name:             name,
		IsHost:           userID != 0 && userID == s.room.HostUserID && !s.hasHost(),
		JoinedAt:         s.now().UTC(),
		CameraEnabled:    true,
		MicEnabled:       true,
		FeedbackReceived: []models.Feedback{},
		UserID:           userID,
	}
	s.participants = append(s.participants, p)
	return copyParticipant(p), nil
}

// RemoveResult 描述移除參與者後是否連帶影響了回合
type RemoveResult struct {
	SpeakerChanged bool
	Completed      bool
}

// Remove 以身份移除參與者。發言順序保持不變，輪到已離開的身份時會被略過；
// 若離開的是目前發言者，則如同主持人呼叫 next_speaker 一樣前進。
func (s *Session) Remove(id string) (RemoveResult, error) {
	_, idx := s.find(id)
	if idx < 0 {
		return RemoveResult{}, ErrParticipantNotFound
	}

	wasSpeaker := s.CurrentSpeaker() == id
	s.participants = slices.Delete(s.participants, idx, idx+1)

	if !wasSpeaker {
		return RemoveResult{}, nil
	}
	s.advance()
	return RemoveResult{SpeakerChanged: true, Completed: s.status == models.RoomStatusCompleted}, nil
}

// Abandon 在房間沒有任何連線時結束進行中的練習
func (s *Session) Abandon() bool {
	if s.status != models.RoomStatusActive {
		return false
	}
	s.complete()
	return true
}

func (s *Session) Rename(id, name string) error {
	if s.status == models.RoomStatusCompleted {
		return reject(models.MessageSetParticipantName, ErrSessionCompleted)
	}
	p, _ := s.find(id)
	if p == nil {
		return reject(models.MessageSetParticipantName, ErrParticipantNotFound)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return reject(models.MessageSetParticipantName, ErrInvalidState)
	}
	p.Name = name
	return nil
}

// StartSession 產生隨機發言順序並開始第一位的回合
func (s *Session) StartSession(requester string) error {
	const cmd = models.MessageStartSession

	p, _ := s.find(requester)
	if p == nil {
		return reject(cmd, ErrParticipantNotFound)
	}
	if !p.IsHost {
		return reject(cmd, ErrNotHost)
	}
	if s.status != models.RoomStatusWaiting {
		return reject(cmd, ErrInvalidState)
	}
	if len(s.participants) == 0 {
		return reject(cmd, ErrEmptyRoster)
	}

	order := make([]string, len(s.participants))
	for i, participant := range s.participants {
		order[i] = participant.ID
	}
	s.shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	now := s.now().UTC()
	s.speakingOrder = order
	s.status = models.RoomStatusActive
	s.startedAt = &now
	s.startTurn(0)
	return nil
}

// NextSpeaker 結束目前發言者的回合並輪到下一位，最後一位結束時整場完成
func (s *Session) NextSpeaker(requester string) error {
	const cmd = models.MessageNextSpeaker

	p, _ := s.find(requester)
	if p == nil {
		return reject(cmd, ErrParticipantNotFound)
	}
	if !p.IsHost {
		return reject(cmd, ErrNotHost)
	}
	if s.status == models.RoomStatusCompleted {
		return reject(cmd, ErrSessionCompleted)
	}
	if s.status != models.RoomStatusActive {
		return reject(cmd, ErrInvalidState)
	}

	if speaker, _ := s.find(s.CurrentSpeaker()); speaker != nil {
		speaker.HasSpoken = true
	}
	s.advance()
	return nil
}

// advance 移到下一個仍在名單中的身份，沒有時結束整場
func (s *Session) advance() {
	for next := s.turn + 1; next < len(s.speakingOrder); next++ {
		if p, _ := s.find(s.speakingOrder[next]); p != nil {
			s.startTurn(next)
			return
		}
	}
	s.complete()
}

func (s *Session) startTurn(idx int) {
	now := s.now().UTC()
	s.turn = idx
	s.turnStartedAt = &now
}

func (s *Session) complete() {
	s.status = models.RoomStatusCompleted
	s.turn = -1
	s.turnStartedAt = nil
}

func (s *Session) ToggleCamera(id string, enabled *bool) error {
	return s.toggle(models.MessageToggleCamera, id, enabled, func(p *models.Participant) *bool {
		return &p.CameraEnabled
	})
}

func (s *Session) ToggleMic(id string, enabled *bool) error {
	return s.toggle(models.MessageToggleMic, id, enabled, func(p *models.Participant) *bool {
		return &p.MicEnabled
	})
}

// toggle 未指定 enabled 時切換目前的值
func (s *Session) toggle(cmd, id string, enabled *bool, field func(*models.Participant) *bool) error {
	if s.status == models.RoomStatusCompleted {
		return reject(cmd, ErrSessionCompleted)
	}
	p, _ := s.find(id)
	if p == nil {
		return reject(cmd, ErrParticipantNotFound)
	}
	flag := field(p)
	if enabled != nil {
		*flag = *enabled
	} else {
		*flag = !*flag
	}
	return nil
}

// UpdateParticipantData 記錄參與者自行回報的發言時間與分析指標
func (s *Session) UpdateParticipantData(id string, data models.ParticipantData) error {
	const cmd = models.MessageUpdateParticipantData

	if s.status == models.RoomStatusCompleted {
		return reject(cmd, ErrSessionCompleted)
	}
	p, _ := s.find(id)
	if p == nil {
		return reject(cmd, ErrParticipantNotFound)
	}
	if data.SpeakingTimeUsed != nil && *data.SpeakingTimeUsed < 0 {
		return reject(cmd, ErrInvalidState)
	}

	if data.SpeakingTimeUsed != nil {
		p.SpeakingTimeUsed += *data.SpeakingTimeUsed
	}
	if data.Analysis != nil {
		p.Analysis = *data.Analysis
	}
	return nil
}

// AddFeedback 將回饋附加到接收者與房間的即時回饋列表。
// 寄件者一律使用伺服器指派的身份，不信任客戶端提供的 from。
func (s *Session) AddFeedback(from string, in models.Feedback) (models.Feedback, error) {
	const cmd = models.MessageSendFeedback

	if s.status == models.RoomStatusCompleted {
		return models.Feedback{}, reject(cmd, ErrSessionCompleted)
	}
	sender, _ := s.find(from)
	if sender == nil {
		return models.Feedback{}, reject(cmd, ErrParticipantNotFound)
	}
	if in.ToParticipant == from {
		return models.Feedback{}, reject(cmd, ErrSelfFeedback)
	}
	target, _ := s.find(in.ToParticipant)
	if target == nil {
		return models.Feedback{}, reject(cmd, ErrParticipantNotFound)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" || !in.Type.Valid() {
		return models.Feedback{}, reject(cmd, ErrInvalidFeedback)
	}

	now := s.now().UTC()
	fb := models.Feedback{
		ID:              s.newID(),
		FromParticipant: sender.ID,
		FromName:        sender.Name,
		ToParticipant:   target.ID,
		Message:         message,
		Type:            in.Type,
		SessionPhase:    s.phaseAt(now),
		Timestamp:       now,
	}
	target.FeedbackReceived = append(target.FeedbackReceived, fb)
	s.liveFeedbacks = append(s.liveFeedbacks, fb)
	return fb, nil
}

// phaseAt 依回合開始後經過的時間推算建議性的子階段
func (s *Session) phaseAt(now time.Time) models.Phase {
	switch s.status {
	case models.RoomStatusWaiting:
		return models.PhaseWaiting
	case models.RoomStatusCompleted:
		return models.PhaseCompleted
	}
	if s.turnStartedAt == nil {
		return models.PhasePreparation
	}

	elapsed := now.Sub(*s.turnStartedAt)
	preparation := time.Duration(s.preparationSeconds) * time.Second
	speaking := time.Duration(s.room.TimePerSpeaker) * time.Minute
	switch {
	case elapsed < preparation:
		return models.PhasePreparation
	case elapsed < preparation+speaking:
		return models.PhaseSpeaking
	default:
		return models.PhaseFeedback
	}
}

// Snapshot 回傳與內部狀態不共用記憶體的完整房間狀態
func (s *Session) Snapshot() models.RoomSnapshot {
	snap := models.RoomSnapshot{
		ID:                 s.room.Code,
		Name:               s.room.Name,
		TopicCategory:      s.room.TopicCategory,
		TimePerSpeaker:     s.room.TimePerSpeaker,
		MaxParticipants:    s.room.MaxParticipants,
		TotalDuration:      s.room.TotalDuration(),
		IsPublic:           s.room.IsPublic,
		Description:        s.room.Description,
		Status:             s.status,
		CreatedAt:          s.room.CreatedAt,
		Participants:       make([]models.Participant, 0, len(s.participants)),
		CurrentSpeaker:     s.CurrentSpeaker(),
		SpeakingOrder:      slices.Clone(s.speakingOrder),
		Phase:              s.phaseAt(s.now()),
		PreparationSeconds: s.preparationSeconds,
		SessionStartTime:   cloneTime(s.startedAt),
		TurnStartedAt:      cloneTime(s.turnStartedAt),
		LiveFeedbacks:      slices.Clone(s.liveFeedbacks),
	}
	if snap.SpeakingOrder == nil {
		snap.SpeakingOrder = []string{}
	}
	if snap.LiveFeedbacks == nil {
		snap.LiveFeedbacks = []models.Feedback{}
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, copyParticipant(p))
		if p.IsHost {
			snap.HostID = p.ID
		}
	}
	return snap
}

func copyParticipant(p *models.Participant) models.Participant {
	out := *p
	out.FeedbackReceived = slices.Clone(p.FeedbackReceived)
	if out.FeedbackReceived == nil {
		out.FeedbackReceived = []models.Feedback{}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
