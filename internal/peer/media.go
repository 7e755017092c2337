package peer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	kindCamera     = "攝影機"
	kindMicrophone = "麥克風"

	localStreamID = "speech-room"
)

// Device 是一個本地擷取來源，Run 持續送出樣本直到 ctx 結束
type Device interface {
	Codec() webrtc.RTPCodecCapability
	Run(ctx context.Context, write func(media.Sample) error) error
}

// Devices 取得本地擷取裝置，可能因權限或硬體不存在而失敗
type Devices interface {
	Camera(ctx context.Context) (Device, error)
	Microphone(ctx context.Context) (Device, error)
}

// LocalTrack 是所有連線共用的本地軌道；停用時丟棄樣本，不需要重新協商
type LocalTrack struct {
	kind    webrtc.RTPCodecType
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newLocalTrack(kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability, enabled bool) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, kind.String(), localStreamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, track: track}
	t.enabled.Store(enabled)
	return t, nil
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) write(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// LocalStream 是本次練習取得的本地媒體
type LocalStream struct {
	Video *LocalTrack
	Audio *LocalTrack
}

func (s *LocalStream) tracks() []*LocalTrack {
	var out []*LocalTrack
	if s.Video != nil {
		out = append(out, s.Video)
	}
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	return out
}

// SyntheticDevices 產生固定內容的影音樣本，供無頭參與者與測試使用
type SyntheticDevices struct {
	NoCamera     bool
	NoMicrophone bool
}

func (d SyntheticDevices) Camera(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.NoCamera {
		return nil, ErrNoDevice
	}
	return syntheticDevice{
		codec:    webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		interval: time.Second / 30,
		size:     1200,
	}, nil
}

func (d SyntheticDevices) Microphone(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.NoMicrophone {
		return nil, ErrNoDevice
	}
	return syntheticDevice{
		codec:    webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		interval: 20 * time.Millisecond,
		size:     80,
	}, nil
}

type syntheticDevice struct {
	codec    webrtc.RTPCodecCapability
	interval time.Duration
	size     int
}

func (d syntheticDevice) Codec() webrtc.RTPCodecCapability { return d.codec }

func (d syntheticDevice) Run(ctx context.Context, write func(media.Sample) error) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	frame := make([]byte, d.size)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// 尚未綁定任何連線時寫入會失敗，忽略即可
			_ = write(media.Sample{Data: frame, Duration: d.interval})
		}
	}
}
