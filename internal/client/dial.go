package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var ErrInvalidServerURL = errors.New("伺服器網址無效")

type DialConfig struct {
	// ServerURL 是 API 伺服器位址，例如 http://localhost:8080
	ServerURL        string
	RoomCode         string
	Name             string
	Token            string
	HandshakeTimeout time.Duration
}

// RoomURL 組出房間的 WebSocket 位址
func (cfg DialConfig) RoomURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil || u.Host == "" {
		return "", ErrInvalidServerURL
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", ErrInvalidServerURL
	}
	u.Path += "/api/rooms/" + url.PathEscape(strings.ToUpper(cfg.RoomCode)) + "/ws"
	q := url.Values{}
	if cfg.Name != "" {
		q.Set("name", cfg.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial 連上房間的信令通道；握手被拒絕時回傳帶有 HTTP 狀態碼的 SignalingError
func Dial(ctx context.Context, cfg DialConfig) (*Channel, error) {
	target, err := cfg.RoomURL()
	if err != nil {
		return nil, err
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		serr := &SignalingError{Op: "連線", Err: err}
		if resp != nil {
			serr.Status = resp.StatusCode
		}
		return nil, serr
	}
	return NewChannel(conn), nil
}
