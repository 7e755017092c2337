package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionReport 是單一參與者在一場練習結束後的報告
type SessionReport struct {
	gorm.Model      `json:"-"`
	ParticipantID   string    `gorm:"uniqueIndex:idx_report_room_participant;size:36" json:"participant_id"`
	ParticipantName string    `json:"participant_name"`
	RoomCode        string    `gorm:"uniqueIndex:idx_report_room_participant;size:16" json:"room_id"`
	SessionDate     time.Time `json:"session_date"`
	SpeakingTime    float64   `json:"speaking_duration"`

	EyeContactScore int `json:"eye_contact_score"`
	GestureScore    int `json:"gesture_score"`
	ConfidenceScore int `json:"confidence_score"`
	PaceScore       int `json:"pace_score"`
	VolumeScore     int `json:"volume_score"`
	OverallScore    int `json:"overall_score"`

	TotalFeedbacks       int `json:"total_feedbacks_received"`
	PositiveFeedbacks    int `json:"positive_feedback_count"`
	ConstructiveFeedback int `json:"constructive_feedback_count"`
	QuestionsReceived    int `json:"questions_received"`

	FeedbackSummary FeedbackSummary `gorm:"serializer:json" json:"feedback_summary"`
	PeerFeedback    PeerFeedback    `gorm:"serializer:json" json:"peer_feedback"`
	Insights        []string        `gorm:"serializer:json" json:"insights"`
	Recommendations []string        `gorm:"serializer:json" json:"recommendations"`
	Summary         string          `gorm:"type:text" json:"summary,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

type FeedbackSummary struct {
	Strengths        []string `json:"strengths"`
	ImprovementAreas []string `json:"improvement_areas"`
	CommonThemes     []string `json:"common_themes"`
}

type PeerComment struct {
	From      string    `json:"from"`
	Comment   string    `json:"comment"`
	Timestamp time.Time `json:"timestamp"`
}

type PeerFeedback struct {
	PositiveComments     []PeerComment `json:"positive_comments"`
	ConstructiveComments []PeerComment `json:"constructive_comments"`
	QuestionsAsked       []PeerComment `json:"questions_asked"`
}
