// Package metrics 在發言期間蒐集參與度指標，回合結束時彙整為 SpeechAnalysis。
package metrics

import (
	"math"
	"sync"
	"time"

	"speech_room/internal/models"
)

// Source 是一次發言的指標來源，Start 與 Stop 必須成對呼叫
type Source interface {
	Start()
	Stop() models.SpeechAnalysis
}

// Frame 是分析器對單一畫面的判斷結果
type Frame struct {
	EyeContact bool
	Gesture    bool
	Confidence float64 // 0-100
	Volume     float64 // 0-1
}

// Pipeline 彙整外部分析器推送的畫面結果
type Pipeline struct {
	mu      sync.Mutex
	now     func() time.Time
	running bool
	started time.Time

	totalFrames      int
	eyeContactFrames int
	gestures         int
	confidenceSum    float64
	volumes          []float64
}

func NewPipeline() *Pipeline {
	return &Pipeline{now: time.Now}
}

func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.started = p.now()
	p.totalFrames = 0
	p.eyeContactFrames = 0
	p.gestures = 0
	p.confidenceSum = 0
	p.volumes = p.volumes[:0]
}

// Push 加入一個畫面的結果，未開始時忽略並回傳 false
func (p *Pipeline) Push(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.totalFrames++
	if f.EyeContact {
		p.eyeContactFrames++
	}
	if f.Gesture {
		p.gestures++
	}
	p.confidenceSum += f.Confidence
	p.volumes = append(p.volumes, f.Volume)
	return true
}

// Stop 結束蒐集並回傳彙整結果，重複呼叫會得到相同的結果
func (p *Pipeline) Stop() models.SpeechAnalysis {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.running = false
	}
	return p.resultLocked(p.now().Sub(p.started))
}

func (p *Pipeline) resultLocked(elapsed time.Duration) models.SpeechAnalysis {
	if p.totalFrames == 0 {
		return models.SpeechAnalysis{}
	}
	frames := float64(p.totalFrames)

	// 語速以每分鐘手勢數換算到 0-100
	pace := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		pace = math.Min(100, float64(p.gestures)/secs*60*10)
	}

	return models.SpeechAnalysis{
		EyeContactPercentage: math.Round(float64(p.eyeContactFrames) / frames * 100),
		GestureCount:         p.gestures,
		ConfidenceScore:      math.Round(p.confidenceSum / frames),
		SpeakingPace:         math.Round(pace),
		VolumeConsistency:    math.Round(volumeConsistency(p.volumes)),
	}
}

// volumeConsistency 音量標準差越小分數越高
func volumeConsistency(volumes []float64) float64 {
	if len(volumes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range volumes {
		sum += v
	}
	mean := sum / float64(len(volumes))

	var variance float64
	for _, v := range volumes {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(volumes))

	return math.Max(0, 100-math.Sqrt(variance)*200)
}
