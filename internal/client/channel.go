package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"speech_room/internal/models"
)

// SignalingError 表示信令通道意外中斷，呼叫端需要重新連線並重新加入房間
type SignalingError struct {
	Op     string
	Status int // 握手失敗時的 HTTP 狀態碼
	Err    error
}

func (e *SignalingError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("信令通道%s失敗 (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("信令通道%s失敗: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// Closed 判斷對方是否正常關閉通道
func (e *SignalingError) Closed() bool {
	return websocket.IsCloseError(e.Err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Conn 是信令通道需要的最小連線介面，*websocket.Conn 滿足它
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Channel 包裝信令連線，寫入可以由多個 goroutine 同時呼叫
type Channel struct {
	conn    Conn
	writeMu sync.Mutex
}

func NewChannel(conn Conn) *Channel {
	return &Channel{conn: conn}
}

func (c *Channel) Send(msg *models.SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return &SignalingError{Op: "寫入", Err: err}
	}
	return nil
}

// Receive 只能由單一 goroutine 呼叫
func (c *Channel) Receive() (*models.SignalMessage, error) {
	var msg models.SignalMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syntax) || errors.As(err, &typ) {
			return nil, err
		}
		return nil, &SignalingError{Op: "讀取", Err: err}
	}
	return &msg, nil
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

func (c *Channel) relay(typ, to string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &models.SignalMessage{Type: typ, To: to}
	switch typ {
	case models.MessageWebRTCOffer:
		msg.Offer = raw
	case models.MessageWebRTCAnswer:
		msg.Answer = raw
	default:
		msg.Candidate = raw
	}
	return c.Send(msg)
}

func (c *Channel) SendOffer(to string, offer webrtc.SessionDescription) error {
	return c.relay(models.MessageWebRTCOffer, to, offer)
}

func (c *Channel) SendAnswer(to string, answer webrtc.SessionDescription) error {
	return c.relay(models.MessageWebRTCAnswer, to, answer)
}

func (c *Channel) SendCandidate(to string, candidate webrtc.ICECandidateInit) error {
	return c.relay(models.MessageWebRTCICECandidate, to, candidate)
}
