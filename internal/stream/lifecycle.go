package stream

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

// State 消费者/生产者生命周期状态
// Idle -> Running -> Stopping -> Stopped（终态，需新建实例才能再次使用）
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DefaultStopTimeout Close 时等待后台协程退出的默认时长
const DefaultStopTimeout = 2 * time.Second

var (
	// ErrDisposed 实例已 Close
	ErrDisposed = errors.New("stream: instance disposed")
	// ErrStopped 实例已停止，不能再次启动
	ErrStopped = errors.New("stream: instance stopped")
	// ErrNotRunning 生产者未处于运行状态
	ErrNotRunning = errors.New("stream: producer not running")
	// ErrNilCommand 指令为空
	ErrNilCommand = errors.New("stream: nil command")
	// ErrBufferOverflow 累积缓冲区超过上限被清空
	ErrBufferOverflow = errors.New("stream: accumulation buffer overflow")
)

// MessageHandler 消息回调，在消费者协程上同步执行，不应阻塞
type MessageHandler func(frame.Message)

// ErrorEvent 传输层错误事件
type ErrorEvent struct {
	Err       error
	Raw       []byte // 出错时捕获到的字节（尽力而为，可能为空）
	Timestamp time.Time
}

// ErrorHandler 错误回调，在消费者协程上同步执行
type ErrorHandler func(ErrorEvent)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type flusher interface {
	Flush() error
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
