package service

import (
	"errors"
	"fmt"
)

var (
	ErrCommandRejected = errors.New("command rejected")

	ErrNotHost             = errors.New("只有主持人可以執行此操作")
	ErrInvalidState        = errors.New("房間目前的狀態不允許此操作")
	ErrEmptyRoster         = errors.New("房間內沒有參與者")
	ErrSelfFeedback        = errors.New("不能給自己回饋")
	ErrParticipantNotFound = errors.New("參與者不存在")
	ErrSessionCompleted    = errors.New("練習已結束")
	ErrInvalidFeedback     = errors.New("回饋內容無效")
	ErrUnsupportedMessage  = errors.New("不支援的訊息類型")
	ErrMalformedMessage    = errors.New("訊息格式錯誤")

	ErrRoomNotFound = errors.New("房間不存在")
	ErrRoomFull     = errors.New("房間已滿")
	ErrRoomClosed   = errors.New("房間已關閉")
)

// CommandRejectedError 表示伺服器拒絕了一個房間指令，只回覆給發出者
type CommandRejectedError struct {
	Command string
	Reason  error
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %v", e.Command, e.Reason)
}

func (e *CommandRejectedError) Unwrap() []error {
	return []error{ErrCommandRejected, e.Reason}
}

func reject(command string, reason error) error {
	return &CommandRejectedError{Command: command, Reason: reason}
}
