// Package peer 管理本機與房間內其他參與者之間的點對點媒體連線。
//
// 每位遠端參與者對應一條 PeerConnection，本地影音軌由所有連線共用。
// 協商訊息透過 Signaler 經由房間信令通道送出；過期或順序錯亂的信令直接忽略。
package peer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultMaxRetries         = 2
	defaultRetryDelay         = time.Second
	defaultNegotiationTimeout = 30 * time.Second
	eventBuffer               = 64
)

// DefaultICEServers 是公開的 STUN 伺服器
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// Signaler 把協商訊息送給指定的參與者
type Signaler interface {
	SendOffer(to string, offer webrtc.SessionDescription) error
	SendAnswer(to string, answer webrtc.SessionDescription) error
	SendCandidate(to string, candidate webrtc.ICECandidateInit) error
}

type Config struct {
	Signaler   Signaler
	Devices    Devices
	ICEServers []webrtc.ICEServer
	// MaxRetries 是連線失敗後由發起方重新發起的次數上限
	MaxRetries         int
	RetryDelay         time.Duration
	NegotiationTimeout time.Duration
	// IncludeLoopback 讓同一台機器上的連線可以只靠 loopback 建立
	IncludeLoopback bool
	Logger          *zerolog.Logger
}

type EventType string

const (
	EventRemoteStream      EventType = "remote_stream"
	EventStateChanged      EventType = "state_changed"
	EventPeerClosed        EventType = "peer_closed"
	EventNegotiationFailed EventType = "negotiation_failed"
)

type Event struct {
	Type   EventType
	PeerID string
	State  webrtc.PeerConnectionState
	Stream RemoteStream
	Err    error
}

type connection struct {
	peerID   string
	pc       *webrtc.PeerConnection
	offerer  bool
	attempts int

	// mu 讓同一條連線的協商步驟依序執行
	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// 本地描述送出之前產生的 candidate 先暫存
	outMu   sync.Mutex
	sent    bool
	outbox  []webrtc.ICECandidateInit
	timeout *time.Timer
}

func live(state webrtc.PeerConnectionState) bool {
	return state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed
}

type Manager struct {
	cfg     Config
	api     *webrtc.API
	logger  zerolog.Logger
	streams *StreamRegistry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	self    string
	local   *LocalStream
	conns   map[string]*connection
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Devices == nil {
		cfg.Devices = SyntheticDevices{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}

	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	settings := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
		settings.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(engine), webrtc.WithSettingEngine(settings)),
		logger:  l.With().Str("component", "peer").Logger(),
		streams: NewStreamRegistry(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*connection),
		subs:    make(map[int]chan Event),
	}, nil
}

// SetSelf 記錄伺服器指派的身份，用於同時發起協商時決定誰讓步
func (m *Manager) SetSelf(id string) {
	m.mu.Lock()
	m.self = id
	m.mu.Unlock()
	m.logger.Debug().Str("self", id).Msg("identity assigned")
}

// InitializeLocalMedia 取得本地媒體；每次練習只取得一次，之後的呼叫回傳同一組軌道。
// 等待裝置時不持有鎖，其他協商照常進行。
func (m *Manager) InitializeLocalMedia(ctx context.Context, camera, mic bool) (*LocalStream, error) {
	m.mu.Lock()
	closed, existing := m.closed, m.local
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if existing != nil {
		return existing, nil
	}
	if !camera && !mic {
		return nil, &DeviceError{Kind: kindCamera, Err: ErrNoMediaRequested}
	}

	stream := &LocalStream{}
	var devices []Device
	if camera {
		dev, err := m.cfg.Devices.Camera(ctx)
		if err != nil {
			return nil, &DeviceError{Kind: kindCamera, Err: err}
		}
		if stream.Video, err = newLocalTrack(webrtc.RTPCodecTypeVideo, dev.Codec(), true); err != nil {
			return nil, &DeviceError{Kind: kindCamera, Err: err}
		}
		devices = append(devices, dev)
	}
	if mic {
		dev, err := m.cfg.Devices.Microphone(ctx)
		if err != nil {
			return nil, &DeviceError{Kind: kindMicrophone, Err: err}
		}
		if stream.Audio, err = newLocalTrack(webrtc.RTPCodecTypeAudio, dev.Codec(), true); err != nil {
			return nil, &DeviceError{Kind: kindMicrophone, Err: err}
		}
		devices = append(devices, dev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.local != nil {
		return m.local, nil
	}
	for i, t := range stream.tracks() {
		go devices[i].Run(m.ctx, t.write)
	}
	m.local = stream
	m.logger.Info().Bool("camera", camera).Bool("mic", mic).Msg("local media initialized")
	return stream, nil
}

func (m *Manager) ToggleLocalAudio(enabled bool) bool {
	return m.toggle(func(s *LocalStream) *LocalTrack { return s.Audio }, enabled)
}

func (m *Manager) ToggleLocalVideo(enabled bool) bool {
	return m.toggle(func(s *LocalStream) *LocalTrack { return s.Video }, enabled)
}

func (m *Manager) toggle(pick func(*LocalStream) *LocalTrack, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return false
	}
	t := pick(m.local)
	if t == nil {
		return false
	}
	t.enabled.Store(enabled)
	return true
}

// newConnectionLocked 建立新連線並取代同一對象的舊連線；舊連線由呼叫端在解鎖後關閉
func (m *Manager) newConnectionLocked(peerID string, offerer bool, attempts int) (*connection, *connection, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, nil, err
	}
	conn := &connection{peerID: peerID, pc: pc, offerer: offerer, attempts: attempts}

	haveVideo, haveAudio := false, false
	if m.local != nil {
		for _, t := range m.local.tracks() {
			sender, err := pc.AddTrack(t.Track())
			if err != nil {
				_ = pc.Close()
				return nil, nil, err
			}
			go drainRTCP(sender)
			haveVideo = haveVideo || t.kind == webrtc.RTPCodecTypeVideo
			haveAudio = haveAudio || t.kind == webrtc.RTPCodecTypeAudio
		}
	}
	if offerer {
		// 沒有本地軌道的種類仍然要能接收對方的媒體
		recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
		for _, k := range []struct {
			kind webrtc.RTPCodecType
			have bool
		}{{webrtc.RTPCodecTypeVideo, haveVideo}, {webrtc.RTPCodecTypeAudio, haveAudio}} {
			if k.have {
				continue
			}
			if _, err := pc.AddTransceiverFromKind(k.kind, recvonly); err != nil {
				_ = pc.Close()
				return nil, nil, err
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendCandidate(conn, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.stateChanged(conn, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !m.current(conn) {
			return
		}
		stream := m.streams.Add(peerID, track)
		m.logger.Info().Str("peer", peerID).Str("kind", track.Kind().String()).Msg("remote track received")
		m.emit(Event{Type: EventRemoteStream, PeerID: peerID, Stream: stream})
	})

	conn.timeout = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		if m.current(conn) && conn.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
			m.fail(conn, ErrNegotiationStale)
		}
	})

	old := m.conns[peerID]
	m.conns[peerID] = conn
	m.streams.Remove(peerID)
	return conn, old, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (m *Manager) current(conn *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.conns[conn.peerID] == conn
}

func (m *Manager) closeConn(conn *connection) {
	if conn == nil {
		return
	}
	conn.timeout.Stop()
	if err := conn.pc.Close(); err != nil {
		m.logger.Debug().Err(err).Str("peer", conn.peerID).Msg("close peer connection")
	}
}

// CreateOffer 建立新連線並送出 offer，取代同一對象尚未連通的舊連線；已連通時不做任何事
func (m *Manager) CreateOffer(ctx context.Context, peerID string) error {
	return m.offer(ctx, peerID, false, 0)
}

// EnsureOffer 只在沒有任何進行中或已連通的連線時才發起協商
func (m *Manager) EnsureOffer(ctx context.Context, peerID string) error {
	return m.offer(ctx, peerID, true, 0)
}

func (m *Manager) offer(ctx context.Context, peerID string, onlyIfMissing bool, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if existing := m.conns[peerID]; existing != nil {
		state := existing.pc.ConnectionState()
		if state == webrtc.PeerConnectionStateConnected || (onlyIfMissing && live(state)) {
			m.mu.Unlock()
			return nil
		}
	}
	conn, old, err := m.newConnectionLocked(peerID, true, attempts)
	m.mu.Unlock()
	if err != nil {
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	m.closeConn(old)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		m.fail(conn, err)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		m.fail(conn, err)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	if err := m.cfg.Signaler.SendOffer(peerID, offer); err != nil {
		m.dropConn(conn)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	m.flushOutbox(conn)
	m.logger.Debug().Str("peer", peerID).Int("attempt", attempts).Msg("offer sent")
	return nil
}

// HandleRemoteOffer 套用對方的 offer 並回覆 answer。
// 雙方同時發起時身份較小的一方讓步並回覆，較大的一方忽略對方的 offer。
func (m *Manager) HandleRemoteOffer(ctx context.Context, peerID string, offer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	conn := m.conns[peerID]
	if conn != nil && conn.offerer && conn.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if m.self > peerID {
			m.mu.Unlock()
			m.logger.Debug().Str("peer", peerID).Msg("offer collision, keeping local offer")
			return nil
		}
		conn = nil
	}
	var old *connection
	if conn == nil || !live(conn.pc.ConnectionState()) {
		var err error
		conn, old, err = m.newConnectionLocked(peerID, false, 0)
		if err != nil {
			m.mu.Unlock()
			return &NegotiationError{PeerID: peerID, Err: err}
		}
	}
	m.mu.Unlock()
	m.closeConn(old)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if err := conn.pc.SetRemoteDescription(offer); err != nil {
		m.fail(conn, err)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	conn.remoteSet = true
	m.applyPending(conn)

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		m.fail(conn, err)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		m.fail(conn, err)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	if err := m.cfg.Signaler.SendAnswer(peerID, answer); err != nil {
		m.dropConn(conn)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	m.flushOutbox(conn)
	m.logger.Debug().Str("peer", peerID).Msg("answer sent")
	return nil
}

// HandleAnswer 套用對方的 answer；沒有等待中的 offer 時視為過期訊息忽略
func (m *Manager) HandleAnswer(peerID string, answer webrtc.SessionDescription) error {
	conn := m.lookup(peerID)
	if conn == nil {
		m.logger.Debug().Str("peer", peerID).Msg("answer for unknown peer dropped")
		return nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Debug().Str("peer", peerID).Msg("stale answer dropped")
		return nil
	}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		m.fail(conn, err)
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	conn.remoteSet = true
	m.applyPending(conn)
	return nil
}

// HandleICECandidate 加入對方的 candidate；沒有對應連線時不做任何事
func (m *Manager) HandleICECandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	conn := m.lookup(peerID)
	if conn == nil {
		m.logger.Debug().Str("peer", peerID).Msg("candidate for unknown peer dropped")
		return nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.remoteSet {
		conn.pending = append(conn.pending, candidate)
		return nil
	}
	if err := conn.pc.AddICECandidate(candidate); err != nil {
		return &NegotiationError{PeerID: peerID, Err: err}
	}
	return nil
}

// applyPending 呼叫端必須持有 conn.mu
func (m *Manager) applyPending(conn *connection) {
	for _, c := range conn.pending {
		if err := conn.pc.AddICECandidate(c); err != nil {
			m.logger.Debug().Err(err).Str("peer", conn.peerID).Msg("add queued candidate")
		}
	}
	conn.pending = nil
}

func (m *Manager) sendCandidate(conn *connection, c webrtc.ICECandidateInit) {
	if !m.current(conn) {
		return
	}
	conn.outMu.Lock()
	if !conn.sent {
		conn.outbox = append(conn.outbox, c)
		conn.outMu.Unlock()
		return
	}
	conn.outMu.Unlock()
	if err := m.cfg.Signaler.SendCandidate(conn.peerID, c); err != nil {
		m.logger.Debug().Err(err).Str("peer", conn.peerID).Msg("send candidate")
	}
}

func (m *Manager) flushOutbox(conn *connection) {
	conn.outMu.Lock()
	queued := conn.outbox
	conn.outbox = nil
	conn.sent = true
	conn.outMu.Unlock()
	for _, c := range queued {
		if err := m.cfg.Signaler.SendCandidate(conn.peerID, c); err != nil {
			m.logger.Debug().Err(err).Str("peer", conn.peerID).Msg("send candidate")
		}
	}
}

func (m *Manager) lookup(peerID string) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.conns[peerID]
}

func (m *Manager) stateChanged(conn *connection, state webrtc.PeerConnectionState) {
	if !m.current(conn) {
		return
	}
	m.logger.Debug().Str("peer", conn.peerID).Str("state", state.String()).Msg("connection state changed")
	if state == webrtc.PeerConnectionStateConnected {
		conn.timeout.Stop()
	}
	m.emit(Event{Type: EventStateChanged, PeerID: conn.peerID, State: state})
	if state == webrtc.PeerConnectionStateFailed {
		m.fail(conn, ErrConnectionFailed)
	}
}

// dropConn 移除並關閉連線，不重試
func (m *Manager) dropConn(conn *connection) bool {
	m.mu.Lock()
	if m.conns[conn.peerID] != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, conn.peerID)
	m.streams.Remove(conn.peerID)
	m.mu.Unlock()
	go m.closeConn(conn)
	return true
}

// fail 關閉失敗的連線；發起方在次數內重新發起，用盡後通知上層
func (m *Manager) fail(conn *connection, cause error) {
	if !m.dropConn(conn) {
		return
	}
	logger := m.logger.With().Str("peer", conn.peerID).Int("attempt", conn.attempts).Logger()
	if !conn.offerer {
		logger.Warn().Err(cause).Msg("answered connection failed, waiting for a new offer")
		return
	}
	if conn.attempts >= m.cfg.MaxRetries {
		logger.Error().Err(cause).Msg("peer unreachable")
		m.emit(Event{
			Type:   EventNegotiationFailed,
			PeerID: conn.peerID,
			Err:    &NegotiationError{PeerID: conn.peerID, Attempts: conn.attempts + 1, Err: cause},
		})
		return
	}

	logger.Warn().Err(cause).Msg("connection failed, retrying")
	time.AfterFunc(m.cfg.RetryDelay, func() {
		if err := m.offer(m.ctx, conn.peerID, true, conn.attempts+1); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("re-offer")
		}
	})
}

// Teardown 關閉與某位參與者的連線並釋放其遠端媒體
func (m *Manager) Teardown(peerID string) {
	m.mu.Lock()
	conn := m.conns[peerID]
	delete(m.conns, peerID)
	m.streams.Remove(peerID)
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.closeConn(conn)
	m.logger.Info().Str("peer", peerID).Msg("peer torn down")
	m.emit(Event{Type: EventPeerClosed, PeerID: peerID})
}

func (m *Manager) RemoteStream(peerID string) (RemoteStream, bool) {
	return m.streams.Get(peerID)
}

func (m *Manager) Streams() *StreamRegistry { return m.streams }

// State 回傳與某位參與者的連線狀態，沒有連線時 ok 為 false
func (m *Manager) State(peerID string) (webrtc.PeerConnectionState, bool) {
	conn := m.lookup(peerID)
	if conn == nil {
		return webrtc.PeerConnectionStateClosed, false
	}
	return conn.pc.ConnectionState(), true
}

// Peers 回傳目前有連線的參與者
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subscribe 註冊事件接收者；接收太慢時事件會被丟棄
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, eventBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn().Str("event", string(ev.Type)).Str("peer", ev.PeerID).Msg("event subscriber full, dropping")
		}
	}
}

// Close 關閉所有連線並停止本地擷取
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*connection, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		m.streams.Remove(id)
	}
	m.conns = make(map[string]*connection)
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, c := range conns {
		c.timeout.Stop()
		if err := c.pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
