package service

import (
	"errors"

	"github.com/rs/zerolog"

	"speech_room/internal/models"
)

var errHubClosed = errors.New("room hub closed")

type joinRequest struct {
	client *Client
	reply  chan joinResult
}

type joinResult struct {
	participant models.Participant
	err         error
}

type inbound struct {
	client *Client
	msg    *models.SignalMessage
	err    error
}

// roomHub 以單一 goroutine 串行處理一個房間的加入、指令、轉送與離開，
// 廣播也在同一個迴圈內完成，所以每個成員看到的房間狀態順序一致。
type roomHub struct {
	code    string
	session *Session
	clients map[string]*Client

	joinCh  chan joinRequest
	leaveCh chan *Client
	msgCh   chan inbound
	queryCh chan chan models.RoomSnapshot
	done    chan struct{}

	// 發送佇列已滿的客戶端，於本次事件處理完後斷線
	slow []*Client

	manager *WebSocketManager
	logger  zerolog.Logger
}

func newRoomHub(m *WebSocketManager, room models.Room) *roomHub {
	return &roomHub{
		code:    room.Code,
		session: NewSession(room, m.sessionOpts),
		clients: make(map[string]*Client),
		joinCh:  make(chan joinRequest),
		leaveCh: make(chan *Client),
		msgCh:   make(chan inbound, 64),
		queryCh: make(chan chan models.RoomSnapshot),
		done:    make(chan struct{}),
		manager: m,
		logger:  m.logger.With().Str("room", room.Code).Logger(),
	}
}

func (h *roomHub) run() {
	defer close(h.done)
	h.logger.Debug().Msg("room hub started")

	for {
		select {
		case req := <-h.joinCh:
			h.handleJoin(req)
		case c := <-h.leaveCh:
			h.handleLeave(c)
		case in := <-h.msgCh:
			h.handleMessage(in)
		case reply := <-h.queryCh:
			reply <- h.session.Snapshot()
		case <-h.manager.quit:
			h.closeAll()
			h.manager.release(h)
			return
		}

		h.flushSlow()

		if len(h.clients) == 0 {
			if h.session.Abandon() {
				h.logger.Info().Msg("room emptied during session, completing")
				h.manager.notifyCompleted(h.session.Snapshot())
			}
			h.manager.release(h)
			h.logger.Debug().Msg("room hub stopped")
			return
		}
	}
}

func (h *roomHub) handleJoin(req joinRequest) {
	c := req.client
	p, err := h.session.Admit(c.Name, c.UserID)
	if err != nil {
		req.reply <- joinResult{err: err}
		return
	}

	c.ID = p.ID
	c.Name = p.Name
	c.hub = h
	h.clients[p.ID] = c

	snap := h.session.Snapshot()
	h.send(c, &models.SignalMessage{Type: models.MessageRoomState, Room: &snap, UserID: p.ID})
	h.broadcast(&models.SignalMessage{Type: models.MessageParticipantJoined, Room: &snap, NewParticipant: &p}, p.ID)

	h.logger.Info().
		Str("participant", p.ID).
		Bool("host", p.IsHost).
		Int("connected", len(h.clients)).
		Msg("participant joined")
	req.reply <- joinResult{participant: p}
}

func (h *roomHub) handleLeave(c *Client) {
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}
	delete(h.clients, c.ID)
	close(c.SendChan)

	res, err := h.session.Remove(c.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("participant", c.ID).Msg("remove participant")
		return
	}

	snap := h.session.Snapshot()
	h.broadcast(&models.SignalMessage{Type: models.MessageParticipantDisconnected, Room: &snap, UserID: c.ID}, "")
	if res.SpeakerChanged {
		h.broadcast(&models.SignalMessage{Type: models.MessageSpeakerChanged, Room: &snap}, "")
	}
	if res.Completed {
		h.manager.notifyCompleted(snap)
	}

	h.logger.Info().
		Str("participant", c.ID).
		Bool("speaker_changed", res.SpeakerChanged).
		Int("connected", len(h.clients)).
		Msg("participant left")
}

func (h *roomHub) handleMessage(in inbound) {
	c := in.client
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}
	if in.err != nil {
		h.send(c, &models.SignalMessage{Type: models.MessageError, Error: ErrMalformedMessage.Error()})
		return
	}

	msg := in.msg
	if msg.IsRelay() {
		h.relay(c, msg)
		return
	}

	var (
		err  error
		out  string
		logE = h.logger.Debug().Str("participant", c.ID).Str("type", msg.Type)
	)
	switch msg.Type {
	case models.MessageSetParticipantName:
		err = h.session.Rename(c.ID, msg.Name)
		out = models.MessageParticipantUpdated
	case models.MessageStartSession:
		err = h.session.StartSession(c.ID)
		out = models.MessageSessionStarted
	case models.MessageNextSpeaker:
		err = h.session.NextSpeaker(c.ID)
		out = models.MessageSpeakerChanged
	case models.MessageToggleCamera:
		err = h.session.ToggleCamera(c.ID, msg.Enabled)
		out = models.MessageParticipantUpdated
	case models.MessageToggleMic:
		err = h.session.ToggleMic(c.ID, msg.Enabled)
		out = models.MessageParticipantUpdated
	case models.MessageUpdateParticipantData:
		if msg.Data == nil {
			err = reject(msg.Type, ErrInvalidState)
			break
		}
		err = h.session.UpdateParticipantData(c.ID, *msg.Data)
		out = models.MessageParticipantUpdated
	case models.MessageSendFeedback:
		if msg.Feedback == nil {
			err = reject(msg.Type, ErrInvalidFeedback)
			break
		}
		var fb models.Feedback
		if fb, err = h.session.AddFeedback(c.ID, *msg.Feedback); err == nil {
			h.broadcast(&models.SignalMessage{Type: models.MessageSendFeedback, Feedback: &fb}, "")
			logE.Msg("feedback delivered")
			return
		}
	default:
		h.send(c, &models.SignalMessage{Type: models.MessageError, Error: ErrUnsupportedMessage.Error()})
		logE.Msg("unsupported message")
		return
	}

	if err != nil {
		h.rejectCommand(c, msg.Type, err)
		return
	}

	snap := h.session.Snapshot()
	h.broadcast(&models.SignalMessage{Type: out, Room: &snap}, "")
	logE.Str("status", string(snap.Status)).Msg("command applied")

	switch msg.Type {
	case models.MessageStartSession:
		h.manager.notifyStarted(snap)
	case models.MessageNextSpeaker:
		if snap.Status == models.RoomStatusCompleted {
			h.manager.notifyCompleted(snap)
		}
	}
}

func (h *roomHub) rejectCommand(c *Client, command string, err error) {
	reason := err
	var rejected *CommandRejectedError
	if errors.As(err, &rejected) {
		reason = rejected.Reason
	}
	h.send(c, &models.SignalMessage{Type: models.MessageCommandRejected, Command: command, Error: reason.Error()})
	h.logger.Debug().Err(err).Str("participant", c.ID).Msg("command rejected")
}

// relay 原樣轉送 WebRTC 信令，目標不在房間內時直接丟棄
func (h *roomHub) relay(from *Client, msg *models.SignalMessage) {
	logger := h.logger.With().
		Str("type", msg.Type).
		Str("src", from.ID).
		Str("dst", msg.To).Logger()

	dst, ok := h.clients[msg.To]
	if !ok || msg.To == from.ID {
		logger.Debug().Msg("cannot forward, dst not found")
		return
	}
	h.send(dst, &models.SignalMessage{
		Type:    msg.Type,
		From:    from.ID,
		To:      msg.To,
		Payload: msg.RelayPayload(),
	})
	logger.Debug().Msg("signal forwarded")
}

// broadcast 發送給房間內所有人，except 不為空時略過該身份
func (h *roomHub) broadcast(msg *models.SignalMessage, except string) {
	for id, c := range h.clients {
		if id == except {
			continue
		}
		h.send(c, msg)
	}
}

func (h *roomHub) send(c *Client, msg *models.SignalMessage) {
	select {
	case c.SendChan <- msg:
	default:
		h.slow = append(h.slow, c)
	}
}

// flushSlow 中斷佇列已滿的客戶端；離開的廣播可能再產生新的慢速客戶端
func (h *roomHub) flushSlow() {
	for len(h.slow) > 0 {
		c := h.slow[0]
		h.slow = h.slow[1:]
		if _, ok := h.clients[c.ID]; !ok {
			continue
		}
		h.logger.Warn().Str("participant", c.ID).Msg("send queue full, disconnecting")
		h.handleLeave(c)
	}
}

func (h *roomHub) closeAll() {
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.SendChan)
	}
	if h.session.Abandon() {
		h.manager.notifyCompleted(h.session.Snapshot())
	}
}
