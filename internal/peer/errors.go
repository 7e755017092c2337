package peer

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice         = errors.New("找不到擷取裝置")
	ErrPermissionDenied = errors.New("裝置權限被拒絕")
	ErrNoMediaRequested = errors.New("至少需要開啟攝影機或麥克風")
	ErrClosed           = errors.New("連線管理器已關閉")
	ErrNegotiationStale = errors.New("協商逾時未完成")
	ErrConnectionFailed = errors.New("點對點連線失敗")
)

// DeviceError 表示無法取得本地攝影機或麥克風，使用者必須重試
type DeviceError struct {
	Kind string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("無法取得%s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NegotiationError 表示與單一對象的連線協商失敗，不影響其他連線
type NegotiationError struct {
	PeerID   string
	Attempts int
	Err      error
}

func (e *NegotiationError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("與 %s 的連線協商失敗（已嘗試 %d 次）: %v", e.PeerID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("與 %s 的連線協商失敗: %v", e.PeerID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
