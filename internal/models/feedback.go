package models

import (
	"time"

	"gorm.io/gorm"
)

// FeedbackRecord 是歸檔後的一筆同儕回饋
type FeedbackRecord struct {
	gorm.Model
	FeedbackID      string       `gorm:"uniqueIndex;size:36" json:"id"`
	RoomCode        string       `gorm:"index;size:16" json:"room_id"`
	FromParticipant string       `gorm:"size:36" json:"from_participant"`
	FromName        string       `json:"from_name"`
	ToParticipant   string       `gorm:"index;size:36" json:"to_participant"`
	Message         string       `gorm:"type:text" json:"message"`
	Type            FeedbackType `gorm:"type:varchar(20)" json:"type"`
	SessionPhase    Phase        `gorm:"type:varchar(20)" json:"session_phase"`
	Timestamp       time.Time    `json:"timestamp"`
}

// NewFeedbackRecord 將房間內的回饋轉換為可儲存的紀錄
func NewFeedbackRecord(roomCode string, f Feedback) FeedbackRecord {
	return FeedbackRecord{
		FeedbackID:      f.ID,
		RoomCode:        roomCode,
		FromParticipant: f.FromParticipant,
		FromName:        f.FromName,
		ToParticipant:   f.ToParticipant,
		Message:         f.Message,
		Type:            f.Type,
		SessionPhase:    f.SessionPhase,
		Timestamp:       f.Timestamp,
	}
}
