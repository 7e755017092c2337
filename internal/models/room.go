package models

import (
	"time"

	"gorm.io/gorm"
)

// Room 表示一個練習房間的持久化設定與狀態
type Room struct {
	gorm.Model      `json:"-"`
	Code            string     `gorm:"uniqueIndex;size:16;not null" json:"id"` // 房間代碼，也是加入碼
	Name            string     `gorm:"not null" json:"name"`
	HostUserID      uint       `gorm:"index" json:"host_user_id"`
	TopicCategory   string     `json:"topic_category"`
	TimePerSpeaker  int        `json:"time_per_speaker"` // 以分鐘為單位
	MaxParticipants int        `json:"max_participants"`
	IsPublic        bool       `json:"is_public"`
	Description     string     `json:"description"`
	Status          RoomStatus `gorm:"type:varchar(20);index" json:"status"`
	SpeakingOrder   []string   `gorm:"serializer:json" json:"speaking_order"`
	StartedAt       *time.Time `json:"session_start_time,omitempty"`
	EndedAt         *time.Time `json:"session_end_time,omitempty"`
}

// TotalDuration 以分鐘計算整場的預估長度
func (r *Room) TotalDuration() int {
	return r.TimePerSpeaker * r.MaxParticipants
}

// RoomStatus 定義房間狀態的類型
type RoomStatus string

const (
	RoomStatusWaiting   RoomStatus = "waiting"
	RoomStatusActive    RoomStatus = "active"
	RoomStatusCompleted RoomStatus = "completed"
)
