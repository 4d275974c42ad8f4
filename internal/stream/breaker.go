package stream

import (
	"errors"
	"sync"
	"time"
)

// BreakerState 写通道熔断状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常写入
	BreakerOpen                         // 连续写失败，暂停写入
	BreakerHalfOpen                     // 冷却结束，放行一次试探写入
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen 熔断打开，指令未写入即被丢弃
var ErrCircuitOpen = errors.New("stream: write circuit open")

// Breaker 生产者写通道熔断器
// 连续 threshold 次写失败后打开，cooldown 后半开放行一次写入：
// 成功则关闭，失败则重新打开。threshold <= 0 时永不打开。
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	trips     int64
	threshold int
	cooldown  time.Duration

	onStateChange func(from, to BreakerState)
}

// NewBreaker 创建熔断器
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Call 在熔断保护下执行写入
func (b *Breaker) Call(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transition(BreakerHalfOpen)
		return nil
	default:
		return nil
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.transition(BreakerClosed)
		return
	}
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		if b.threshold > 0 && b.failures >= b.threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.trips++
	b.transition(BreakerOpen)
}

// transition 调用方需持有 b.mu；回调同步执行，不得回调 Breaker 自身
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// SetStateChangeCallback 设置状态变化回调
func (b *Breaker) SetStateChangeCallback(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trips 累计打开次数
func (b *Breaker) Trips() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
