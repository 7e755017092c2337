package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"speech_room/internal/models"
	"speech_room/pkg/config"
)

const observerQueueSize = 1024

// SessionObserver 接收練習開始與結束的通知，由單一背景 worker 依序呼叫
type SessionObserver interface {
	SessionStarted(snapshot models.RoomSnapshot)
	SessionCompleted(snapshot models.RoomSnapshot)
}

// Client 代表一個 WebSocket 客戶端連接
type Client struct {
	Conn     *websocket.Conn
	ID       string // 加入房間後由伺服器指派的參與者身份
	RoomCode string
	UserID   uint // 未登入為 0
	Name     string
	SendChan chan *models.SignalMessage // 只由房間迴圈關閉

	hub *roomHub
}

// NewClient 建立尚未加入房間的客戶端
func NewClient(conn *websocket.Conn, roomCode string, userID uint, name string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		Conn:     conn,
		RoomCode: roomCode,
		UserID:   userID,
		Name:     name,
		SendChan: make(chan *models.SignalMessage, buffer),
	}
}

type WebSocketManagerConfig struct {
	Logger    *zerolog.Logger
	WebSocket config.WebSocketConfig
	Session   SessionOptions
	Observer  SessionObserver
}

// WebSocketManager 管理所有房間的信令連線，每個有人連線的房間各有一個 roomHub
type WebSocketManager struct {
	cfg         config.WebSocketConfig
	sessionOpts SessionOptions
	observer    SessionObserver
	logger      zerolog.Logger

	mu       sync.Mutex
	hubs     map[string]*roomHub
	closed   map[string]struct{} // 本進程內已結束練習的房間
	stopping bool
	hubWG    sync.WaitGroup

	events     chan func()
	quit       chan struct{}
	workerDone chan struct{}
	once       sync.Once
}

func NewWebSocketManager(cfg WebSocketManagerConfig) *WebSocketManager {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	m := &WebSocketManager{
		cfg:         cfg.WebSocket,
		sessionOpts: cfg.Session,
		observer:    cfg.Observer,
		logger:      logger.With().Str("component", "signaling").Logger(),
		hubs:        make(map[string]*roomHub),
		closed:      make(map[string]struct{}),
		events:      make(chan func(), observerQueueSize),
		quit:        make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
	go m.runObserver()
	return m
}

// SetObserver 在啟動前設定通知對象，用於與 RoomService 互相引用的組裝
func (m *WebSocketManager) SetObserver(observer SessionObserver) {
	m.observer = observer
}

func (m *WebSocketManager) runObserver() {
	defer close(m.workerDone)
	for fn := range m.events {
		fn()
	}
}

func (m *WebSocketManager) emit(kind string, fn func()) {
	if m.observer == nil {
		return
	}
	select {
	case m.events <- fn:
	default:
		m.logger.Error().Str("event", kind).Msg("dropping session event due full queue")
	}
}

func (m *WebSocketManager) notifyStarted(snap models.RoomSnapshot) {
	m.emit("session_started", func() { m.observer.SessionStarted(snap) })
}

func (m *WebSocketManager) notifyCompleted(snap models.RoomSnapshot) {
	m.emit("session_completed", func() { m.observer.SessionCompleted(snap) })
}

// hubFor 取得房間目前的 hub，沒有時以資料庫中的設定建立新的。關閉中回傳 nil。
func (m *WebSocketManager) hubFor(room models.Room) *roomHub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return nil
	}
	if h, ok := m.hubs[room.Code]; ok {
		return h
	}
	if _, ok := m.closed[room.Code]; ok {
		room.Status = models.RoomStatusCompleted
	}
	h := newRoomHub(m, room)
	m.hubs[room.Code] = h
	m.hubWG.Add(1)
	go func() {
		defer m.hubWG.Done()
		h.run()
	}()
	return h
}

func (m *WebSocketManager) release(h *roomHub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hubs[h.code] == h {
		delete(m.hubs, h.code)
	}
	if h.session.Status() == models.RoomStatusCompleted {
		m.closed[h.code] = struct{}{}
	}
}

func (m *WebSocketManager) lookup(code string) *roomHub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[code]
}

// Join 將客戶端加入房間並回傳指派的參與者
func (m *WebSocketManager) Join(ctx context.Context, room models.Room, client *Client) (models.Participant, error) {
	for {
		h := m.hubFor(room)
		if h == nil {
			return models.Participant{}, ErrRoomClosed
		}
		req := joinRequest{client: client, reply: make(chan joinResult, 1)}

		select {
		case h.joinCh <- req:
		case <-h.done:
			// hub 剛好在清空後結束，重新建立
			continue
		case <-ctx.Done():
			return models.Participant{}, ctx.Err()
		}

		res := <-req.reply
		return res.participant, res.err
	}
}

// Dispatch 將客戶端送來的訊息交給所屬房間處理
func (m *WebSocketManager) Dispatch(client *Client, msg *models.SignalMessage) error {
	return m.deliver(inbound{client: client, msg: msg})
}

func (m *WebSocketManager) deliver(in inbound) error {
	h := in.client.hub
	if h == nil {
		return errHubClosed
	}
	select {
	case h.msgCh <- in:
		return nil
	case <-h.done:
		return errHubClosed
	}
}

// Leave 將客戶端移出房間，重複呼叫是安全的
func (m *WebSocketManager) Leave(client *Client) {
	h := client.hub
	if h == nil {
		return
	}
	select {
	case h.leaveCh <- client:
	case <-h.done:
	}
}

// Snapshot 取得房間目前的狀態，房間沒有任何連線時回傳 false
func (m *WebSocketManager) Snapshot(code string) (models.RoomSnapshot, bool) {
	h := m.lookup(code)
	if h == nil {
		return models.RoomSnapshot{}, false
	}
	reply := make(chan models.RoomSnapshot, 1)
	select {
	case h.queryCh <- reply:
		return <-reply, true
	case <-h.done:
		return models.RoomSnapshot{}, false
	}
}

// ConnectedCount 回傳房間目前的連線人數
func (m *WebSocketManager) ConnectedCount(code string) int {
	snap, ok := m.Snapshot(code)
	if !ok {
		return 0
	}
	return len(snap.Participants)
}

// HandleClient 加入房間後處理讀寫，直到連線關閉才返回
func (m *WebSocketManager) HandleClient(ctx context.Context, room models.Room, client *Client) error {
	defer client.Conn.Close()

	p, err := m.Join(ctx, room, client)
	if err != nil {
		m.writeError(client, err)
		return err
	}

	logger := m.logger.With().Str("room", room.Code).Str("participant", p.ID).Logger()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.writePump(client, &logger)
	}()

	m.readPump(client, &logger)
	m.Leave(client)
	<-done
	return nil
}

// writeError 在尚未進入房間時直接回覆錯誤並關閉
func (m *WebSocketManager) writeError(client *Client, err error) {
	deadline := time.Now().Add(m.writeTimeout())
	client.Conn.SetWriteDeadline(deadline)
	if werr := client.Conn.WriteJSON(&models.SignalMessage{Type: models.MessageError, Error: err.Error()}); werr != nil {
		m.logger.Debug().Err(werr).Msg("write join error")
		return
	}
	code := websocket.ClosePolicyViolation
	if errors.Is(err, ErrRoomFull) {
		code = websocket.CloseTryAgainLater
	}
	client.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
}

func (m *WebSocketManager) writeTimeout() time.Duration {
	if m.cfg.WriteTimeout > 0 {
		return m.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (m *WebSocketManager) pongWait() time.Duration {
	if m.cfg.PongWait > 0 {
		return m.cfg.PongWait
	}
	return 60 * time.Second
}

func (m *WebSocketManager) pingInterval() time.Duration {
	if m.cfg.PingInterval > 0 && m.cfg.PingInterval < m.pongWait() {
		return m.cfg.PingInterval
	}
	return m.pongWait() * 9 / 10
}

// readPump 持續讀取客戶端訊息並交給房間迴圈
func (m *WebSocketManager) readPump(client *Client, logger *zerolog.Logger) {
	if m.cfg.ReadLimit > 0 {
		client.Conn.SetReadLimit(m.cfg.ReadLimit)
	}
	client.Conn.SetReadDeadline(time.Now().Add(m.pongWait()))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(m.pongWait()))
		return nil
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket unexpected close")
			}
			return
		}

		in := inbound{client: client}
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug().Err(err).Msg("message parse error")
			in.err = err
		} else {
			in.msg = &msg
		}
		if err := m.deliver(in); err != nil {
			return
		}
	}
}

// writePump 將房間迴圈排入的訊息寫到連線，並定期發送心跳
func (m *WebSocketManager) writePump(client *Client, logger *zerolog.Logger) {
	ticker := time.NewTicker(m.pingInterval())
	defer func() {
		ticker.Stop()
		// 讓 readPump 結束
		client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.SendChan:
			client.Conn.SetWriteDeadline(time.Now().Add(m.writeTimeout()))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.Conn.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(m.writeTimeout()))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown 關閉所有房間並等待通知佇列送完
func (m *WebSocketManager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.mu.Lock()
		m.stopping = true
		m.mu.Unlock()
		close(m.quit)

		go func() {
			// 所有 hub 結束後才不會再有新的通知
			m.hubWG.Wait()
			close(m.events)
		}()
	})

	select {
	case <-m.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
