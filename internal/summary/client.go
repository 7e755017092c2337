// Package summary 呼叫外部文字生成服務產生練習摘要。
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoActiveKeys = errors.New("no active api keys")
	ErrRateLimited  = errors.New("rate limited")
	ErrBadResponse  = errors.New("unexpected response from text generation service")
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
	maxErrorBody      = 512
)

type Config struct {
	Endpoint   string
	APIKeys    []string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration // 第一次重試前的等待時間，之後線性增加
	Logger     *zerolog.Logger
	HTTPClient *http.Client
}

type apiKey struct {
	value    string
	active   bool
	lastUsed uint64
}

// keyPool 每次取最久沒用過的有效金鑰，回應 429 的金鑰會被停用
type keyPool struct {
	mu   sync.Mutex
	keys []*apiKey
	seq  uint64
}

func newKeyPool(values []string) *keyPool {
	p := &keyPool{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			p.keys = append(p.keys, &apiKey{value: v, active: true})
		}
	}
	return p
}

func (p *keyPool) next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldest *apiKey
	for _, k := range p.keys {
		if !k.active {
			continue
		}
		if oldest == nil || k.lastUsed < oldest.lastUsed {
			oldest = k
		}
	}
	if oldest == nil {
		return "", ErrNoActiveKeys
	}
	p.seq++
	oldest.lastUsed = p.seq
	return oldest.value, nil
}

func (p *keyPool) retire(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.value == value {
			k.active = false
		}
	}
}

func (p *keyPool) empty() bool {
	return len(p.keys) == 0
}

type Client struct {
	endpoint   string
	keys       *keyPool
	maxRetries int
	backoff    time.Duration
	http       *http.Client
	logger     zerolog.Logger
}

// New 在沒有設定 Endpoint 時回傳 nil，代表停用摘要
func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		keys:       newKeyPool(cfg.APIKeys),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		http:       httpClient,
		logger:     logger.With().Str("component", "summary").Logger(),
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Summarize 送出提示並回傳生成的文字，失敗時最多重試 maxRetries 次
func (c *Client) Summarize(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		key := ""
		if !c.keys.empty() {
			var err error
			if key, err = c.keys.next(); err != nil {
				return "", errors.Join(err, lastErr)
			}
		}

		text, err := c.generate(ctx, key, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if errors.Is(err, ErrRateLimited) && key != "" {
			// 換下一把金鑰立即重試
			c.keys.retire(key)
			c.logger.Warn().Int("attempt", attempt+1).Msg("api key rate limited, retired")
			continue
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("text generation failed")

		if attempt < c.maxRetries-1 {
			wait := time.NewTimer(c.backoff * time.Duration(attempt+1))
			select {
			case <-ctx.Done():
				wait.Stop()
				return "", ctx.Err()
			case <-wait.C:
			}
		}
	}
	return "", lastErr
}

func (c *Client) generate(ctx context.Context, key, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("text generation status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Join(ErrBadResponse, err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", ErrBadResponse
	}
	return out.Text, nil
}
