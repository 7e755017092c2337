package models

import (
	"encoding/json"
)

// 客戶端送往伺服器的訊息類型
const (
	MessageSetParticipantName    = "set_participant_name"
	MessageStartSession          = "start_session"
	MessageNextSpeaker           = "next_speaker"
	MessageToggleCamera          = "toggle_camera"
	MessageToggleMic             = "toggle_mic"
	MessageSendFeedback          = "send_feedback"
	MessageUpdateParticipantData = "update_participant_data"
	MessageWebRTCOffer           = "webrtc_offer"
	MessageWebRTCAnswer          = "webrtc_answer"
	MessageWebRTCICECandidate    = "webrtc_ice_candidate"
)

// 伺服器廣播的訊息類型
const (
	MessageRoomState               = "room_state"
	MessageParticipantJoined       = "participant_joined"
	MessageParticipantDisconnected = "participant_disconnected"
	MessageParticipantUpdated      = "participant_updated"
	MessageSessionStarted          = "session_started"
	MessageSpeakerChanged          = "speaker_changed"
	MessageCommandRejected         = "command_rejected"
	MessageError                   = "error"
)

// SignalMessage 是信令通道上唯一的訊息信封，以 Type 區分內容
type SignalMessage struct {
	Type string `json:"type"`

	// 點對點轉送
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// 房間指令
	Name     string           `json:"name,omitempty"`
	Enabled  *bool            `json:"enabled,omitempty"`
	Feedback *Feedback        `json:"feedback,omitempty"`
	Data     *ParticipantData `json:"data,omitempty"`

	// 伺服器廣播
	Room           *RoomSnapshot `json:"room,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
	NewParticipant *Participant  `json:"new_participant,omitempty"`
	Command        string        `json:"command,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// ParticipantData 是發言者在回合結束後提交的資料
type ParticipantData struct {
	SpeakingTimeUsed *float64        `json:"speaking_time_used,omitempty"`
	Analysis         *SpeechAnalysis `json:"mediapipe_analysis,omitempty"`
}

// IsRelay 判斷訊息是否為需要轉送給單一參與者的 WebRTC 信令
func (m *SignalMessage) IsRelay() bool {
	switch m.Type {
	case MessageWebRTCOffer, MessageWebRTCAnswer, MessageWebRTCICECandidate:
		return true
	}
	return false
}

// RelayPayload 取出要原樣轉送的信令內容
func (m *SignalMessage) RelayPayload() json.RawMessage {
	switch m.Type {
	case MessageWebRTCOffer:
		if len(m.Offer) > 0 {
			return m.Offer
		}
	case MessageWebRTCAnswer:
		if len(m.Answer) > 0 {
			return m.Answer
		}
	case MessageWebRTCICECandidate:
		if len(m.Candidate) > 0 {
			return m.Candidate
		}
	}
	return m.Payload
}
