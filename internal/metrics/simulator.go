package metrics

import (
	"math/rand/v2"
	"sync"
	"time"

	"speech_room/internal/models"
)

const defaultFPS = 15

type SimulatorConfig struct {
	Seed uint64
	// FPS 為 0 時不啟動背景產生器，由呼叫端自行 Tick
	FPS int
}

// Simulator 以固定種子產生可重現的畫面結果，沒有真實分析器時使用
type Simulator struct {
	pipeline *Pipeline
	fps      int

	mu   sync.Mutex
	rng  *rand.Rand
	stop chan struct{}
	done chan struct{}
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	return &Simulator{
		pipeline: NewPipeline(),
		fps:      cfg.FPS,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// DefaultSimulator 以預設畫面率運作
func DefaultSimulator(seed uint64) *Simulator {
	return NewSimulator(SimulatorConfig{Seed: seed, FPS: defaultFPS})
}

func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.pipeline.Start()
	if s.fps <= 0 {
		return
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

func (s *Simulator) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick 產生一個畫面：眼神接觸機率 60-90%、手勢機率 2%、自信 60-90、音量 0.3-0.7
func (s *Simulator) Tick() {
	s.mu.Lock()
	f := Frame{
		EyeContact: s.rng.Float64() < 0.6+s.rng.Float64()*0.3,
		Gesture:    s.rng.Float64() < 0.02,
		Confidence: 60 + s.rng.Float64()*30,
		Volume:     0.3 + s.rng.Float64()*0.4,
	}
	s.mu.Unlock()
	s.pipeline.Push(f)
}

func (s *Simulator) Stop() models.SpeechAnalysis {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return s.pipeline.Stop()
}
