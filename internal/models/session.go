package models

import "time"

// Phase 是發言回合內的建議性子階段，由客戶端自行倒數
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhasePreparation Phase = "preparation"
	PhaseSpeaking    Phase = "speaking"
	PhaseFeedback    Phase = "feedback"
	PhaseCompleted   Phase = "completed"
)

type FeedbackType string

const (
	FeedbackPositive     FeedbackType = "positive"
	FeedbackConstructive FeedbackType = "constructive"
	FeedbackQuestion     FeedbackType = "question"
)

// Valid 檢查回饋類別是否為已知值
func (t FeedbackType) Valid() bool {
	switch t {
	case FeedbackPositive, FeedbackConstructive, FeedbackQuestion:
		return true
	}
	return false
}

// SpeechAnalysis 是一次發言的參與度指標，範圍皆為 0-100（手勢為次數）
type SpeechAnalysis struct {
	EyeContactPercentage float64 `json:"eye_contact_percentage"`
	GestureCount         int     `json:"gesture_count"`
	ConfidenceScore      float64 `json:"confidence_score"`
	SpeakingPace         float64 `json:"speaking_pace"`
	VolumeConsistency    float64 `json:"volume_consistency"`
}

// Feedback 是參與者之間的一則回饋，建立後不可修改
type Feedback struct {
	ID              string       `json:"id"`
	FromParticipant string       `json:"from_participant"`
	FromName        string       `json:"from_name"`
	ToParticipant   string       `json:"to_participant"`
	Message         string       `json:"message"`
	Type            FeedbackType `json:"type"`
	SessionPhase    Phase        `json:"session_phase"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Participant 是房間內一位已連線的使用者
type Participant struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	IsHost           bool           `json:"is_host"`
	JoinedAt         time.Time      `json:"joined_at"`
	CameraEnabled    bool           `json:"camera_enabled"`
	MicEnabled       bool           `json:"mic_enabled"`
	HasSpoken        bool           `json:"has_spoken"`
	SpeakingTimeUsed float64        `json:"speaking_time_used"`
	FeedbackReceived []Feedback     `json:"feedback_received"`
	Analysis         SpeechAnalysis `json:"mediapipe_analysis"`

	UserID uint `json:"-"`
}

// RoomSnapshot 是廣播給客戶端的完整房間狀態
type RoomSnapshot struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	HostID             string        `json:"host_id,omitempty"`
	TopicCategory      string        `json:"topic_category"`
	TimePerSpeaker     int           `json:"time_per_speaker"`
	MaxParticipants    int           `json:"max_participants"`
	TotalDuration      int           `json:"total_duration"`
	IsPublic           bool          `json:"is_public"`
	Description        string        `json:"description"`
	Status             RoomStatus    `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	Participants       []Participant `json:"participants"`
	CurrentSpeaker     string        `json:"current_speaker,omitempty"`
	SpeakingOrder      []string      `json:"speaking_order"`
	Phase              Phase         `json:"phase"`
	PreparationSeconds int           `json:"preparation_seconds"`
	SessionStartTime   *time.Time    `json:"session_start_time,omitempty"`
	TurnStartedAt      *time.Time    `json:"turn_started_at,omitempty"`
	LiveFeedbacks      []Feedback    `json:"live_feedbacks"`
}

// Participant 以身份查找參與者
func (s *RoomSnapshot) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}
