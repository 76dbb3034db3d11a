package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncAborted 表示会话在完成前停止，可以从 Idle 重新开始。
	ErrSyncAborted = errors.New("sync aborted")
	// ErrFrameTooLarge 表示帧长度超过配置的 MaxFrameSize。
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrProtocol 表示对端发送了当前状态下不合法或无法解码的消息。
	ErrProtocol = errors.New("protocol violation")
	// ErrObjectNotFound 表示对象既未加载也未持久化。
	ErrObjectNotFound = errors.New("object not found")
)

// AbortError 描述一次中止的会话：中止时所处的状态与原因。
//
// 传输或存储失败是可恢复的，同时匹配 ErrSyncAborted 与底层错误；
// 因果违规与解码错误是致命的，只匹配底层错误，不应自动重试。
type AbortError struct {
	State State
	Peer  string
	Err   error
	Fatal bool
}

func (e *AbortError) Error() string {
	kind := "sync aborted"
	if e.Fatal {
		kind = "sync failed"
	}
	if e.Peer != "" {
		return fmt.Sprintf("%s in %s with %s: %v", kind, e.State, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s in %s: %v", kind, e.State, e.Err)
}

func (e *AbortError) Unwrap() []error {
	if e.Fatal {
		return []error{e.Err}
	}
	return []error{ErrSyncAborted, e.Err}
}

// Retryable 报告会话是否可以从 Idle 重新开始。
func Retryable(err error) bool {
	return errors.Is(err, ErrSyncAborted)
}
