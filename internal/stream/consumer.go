package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/daqlink/internal/metrics"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

const (
	defaultReadSize       = 4096
	defaultReadTimeout    = time.Second
	defaultMaxBuffer      = 1 << 20
	defaultErrorThreshold = 5
	defaultErrorBackoff   = 100 * time.Millisecond
)

// Consumer 从已连接的字节流中还原应用消息
//
// 一个后台协程负责阻塞读取、追加到累积缓冲区、调用解析器并按序回调。
// 累积缓冲区只由该协程读写，外部仅可通过 ClearBuffer 在同一把锁下清空。
type Consumer struct {
	name    string
	log     *zap.Logger
	metrics *metrics.StreamMetrics

	onMessage MessageHandler
	onError   ErrorHandler

	readSize     int
	readTimeout  time.Duration
	maxBuffer    int
	errThreshold int
	errBackoff   time.Duration
	stopTimeout  time.Duration

	mu       sync.Mutex
	state    State
	disposed bool
	r        io.Reader
	parser   frame.Parser
	w        *worker

	bufMu sync.Mutex
	buf   []byte

	bytesRead  atomic.Uint64
	messages   atomic.Uint64
	discarded  atomic.Uint64
	readErrors atomic.Uint64
}

// worker 单次运行的后台协程句柄
type worker struct {
	cancel    context.CancelFunc
	done      chan struct{}
	abandoned atomic.Bool // StopSafely 超时后不再回调
}

// ConsumerOption Consumer 配置项
type ConsumerOption func(*Consumer)

func WithConsumerName(name string) ConsumerOption {
	return func(c *Consumer) {
		if name != "" {
			c.name = name
		}
	}
}

func WithConsumerLogger(l *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.log = l
		}
	}
}

func WithConsumerMetrics(m *metrics.StreamMetrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithMessageHandler 设置消息回调
func WithMessageHandler(h MessageHandler) ConsumerOption {
	return func(c *Consumer) { c.onMessage = h }
}

// WithErrorHandler 设置传输错误回调
func WithErrorHandler(h ErrorHandler) ConsumerOption {
	return func(c *Consumer) { c.onError = h }
}

// WithReadBufferSize 单次读取的临时缓冲区大小
func WithReadBufferSize(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// WithReadTimeout 读超时（仅对支持 SetReadDeadline 的流生效），超时视为空闲而非错误
func WithReadTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.readTimeout = d }
}

// WithMaxBufferSize 累积缓冲区上限，超过后清空并上报 ErrBufferOverflow；<=0 不限制
func WithMaxBufferSize(n int) ConsumerOption {
	return func(c *Consumer) { c.maxBuffer = n }
}

// WithErrorPolicy 连续读错误阈值与退避间隔；达到阈值后协程退出进入 Stopped
func WithErrorPolicy(threshold int, backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.errThreshold = threshold
		if backoff > 0 {
			c.errBackoff = backoff
		}
	}
}

func WithConsumerStopTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// NewConsumer 创建消费者，r 为已连接的字节流，p 为帧解析器
func NewConsumer(r io.Reader, p frame.Parser, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:         "consumer-" + uuid.NewString()[:8],
		log:          zap.NewNop(),
		readSize:     defaultReadSize,
		readTimeout:  defaultReadTimeout,
		maxBuffer:    defaultMaxBuffer,
		errThreshold: defaultErrorThreshold,
		errBackoff:   defaultErrorBackoff,
		stopTimeout:  DefaultStopTimeout,
		r:            r,
		parser:       p,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.String("link", c.name), zap.String("component", "consumer"))
	return c
}

// Name 实例名称（日志与指标标签）
func (c *Consumer) Name() string { return c.name }

// Start 启动后台读取协程；已运行时为空操作
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrDisposed
	}
	switch c.state {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrStopped
	}
	if c.r == nil || c.parser == nil {
		return fmt.Errorf("stream: consumer requires reader and parser")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	c.w = w
	c.state = StateRunning
	go c.run(ctx, w, c.r, c.parser)

	c.log.Info("consumer started", zap.Int("read_size", c.readSize))
	return nil
}

// Stop 发出取消信号，不等待、不排空
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalLocked()
}

// StopSafely 发出取消信号并等待协程完成当前一轮后退出
// 超时返回 false，此时实例被强制置为 Stopped，协程的后续回调被丢弃
func (c *Consumer) StopSafely(timeout time.Duration) bool {
	c.mu.Lock()
	c.signalLocked()
	w := c.w
	c.mu.Unlock()

	if w == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
	}

	w.abandoned.Store(true)
	c.mu.Lock()
	if c.w == w {
		c.state = StateStopped
	}
	c.mu.Unlock()
	c.log.Warn("consumer forced to stop", zap.Duration("timeout", timeout))
	return false
}

// signalLocked 调用方需持有 c.mu
func (c *Consumer) signalLocked() {
	if c.state != StateRunning {
		return
	}
	c.state = StateStopping
	c.w.cancel()
	// 打断阻塞中的读取
	if d, ok := c.r.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now())
	}
	c.log.Info("consumer stopping")
}

// ClearBuffer 清空累积缓冲区，任意状态下均可调用（包括在消息回调中）
func (c *Consumer) ClearBuffer() error {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrDisposed
	}

	c.bufMu.Lock()
	c.buf = c.buf[:0]
	c.bufMu.Unlock()
	c.metrics.SetBuffered(c.name, 0)
	return nil
}

// Close 安全停止后释放流与解析器引用，之后 Start/ClearBuffer 返回 ErrDisposed
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.StopSafely(c.stopTimeout)

	c.mu.Lock()
	c.disposed = true
	c.state = StateStopped
	c.r = nil
	c.parser = nil
	c.w = nil
	c.mu.Unlock()

	c.bufMu.Lock()
	c.buf = nil
	c.bufMu.Unlock()
	c.log.Info("consumer disposed")
	return nil
}

// State 当前生命周期状态
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning 是否处于运行状态
func (c *Consumer) IsRunning() bool { return c.State() == StateRunning }

// Buffered 累积缓冲区中尚未消耗的字节数
func (c *Consumer) Buffered() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return len(c.buf)
}

// ConsumerStats 消费者统计信息
type ConsumerStats struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Buffered   int    `json:"buffered"`
	BytesRead  uint64 `json:"bytes_read"`
	Messages   uint64 `json:"messages"`
	Discarded  uint64 `json:"discarded"`
	ReadErrors uint64 `json:"read_errors"`
}

// Stats 获取统计信息
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Name:       c.name,
		State:      c.State().String(),
		Buffered:   c.Buffered(),
		BytesRead:  c.bytesRead.Load(),
		Messages:   c.messages.Load(),
		Discarded:  c.discarded.Load(),
		ReadErrors: c.readErrors.Load(),
	}
}

// run 读循环：读取 -> 追加 -> 解析 -> 截断 -> 回调
func (c *Consumer) run(ctx context.Context, w *worker, r io.Reader, p frame.Parser) {
	defer close(w.done)
	defer c.finish(w)

	scratch := make([]byte, c.readSize)
	backoff := rate.NewLimiter(rate.Every(c.errBackoff), 1)
	failures := 0
	rd, canDeadline := r.(readDeadliner)

	for ctx.Err() == nil {
		if canDeadline && c.readTimeout > 0 {
			_ = rd.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		n, err := r.Read(scratch)
		now := time.Now()

		if n > 0 {
			failures = 0
			c.bytesRead.Add(uint64(n))
			c.metrics.AddReceived(c.name, n)

			msgs, overflow := c.ingest(p, scratch[:n], now)
			for _, m := range msgs {
				c.dispatch(w, m)
			}
			if overflow > 0 {
				c.log.Warn("accumulation buffer overflow, dropped", zap.Int("bytes", overflow))
				c.raise(w, ErrorEvent{Err: ErrBufferOverflow, Timestamp: now})
			}
		}
		if err == nil {
			// (0, nil) 视为空闲，按退避节奏重试
			if n == 0 && backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if isTimeout(err) {
			continue
		}

		var raw []byte
		if n > 0 {
			raw = bytes.Clone(scratch[:n])
		}
		c.readErrors.Add(1)
		c.metrics.IncReadError(c.name)
		c.raise(w, ErrorEvent{Err: err, Raw: raw, Timestamp: now})

		if isClosed(err) {
			c.log.Info("stream closed", zap.Error(err))
			return
		}
		failures++
		c.log.Warn("read failed", zap.Error(err), zap.Int("consecutive", failures))
		if c.errThreshold > 0 && failures >= c.errThreshold {
			c.log.Error("too many consecutive read failures, consumer stopped", zap.Int("threshold", c.errThreshold))
			return
		}
		if err := backoff.Wait(ctx); err != nil {
			return
		}
	}
}

// ingest 在缓冲区锁内追加并解析，返回待回调的消息；消息原始字节已复制
// 解析有进展时继续解析剩余数据，以便文本/二进制混合的缓冲区被完整处理
func (c *Consumer) ingest(p frame.Parser, chunk []byte, now time.Time) ([]frame.Message, int) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	c.buf = append(c.buf, chunk...)
	var out []frame.Message
	for len(c.buf) > 0 {
		res := p.Parse(c.buf)
		n := res.Consumed
		if n <= 0 {
			break
		}
		if n > len(c.buf) {
			n = len(c.buf)
		}
		for _, m := range res.Messages {
			m.Raw = bytes.Clone(m.Raw)
			m.Timestamp = now
			out = append(out, m)
		}
		if res.Discarded > 0 {
			c.discarded.Add(uint64(res.Discarded))
			c.metrics.AddDiscarded(c.name, res.Discarded)
			c.log.Debug("resynchronized", zap.Int("discarded", res.Discarded))
		}
		c.buf = c.buf[:copy(c.buf, c.buf[n:])]
	}

	overflow := 0
	if c.maxBuffer > 0 && len(c.buf) > c.maxBuffer {
		overflow = len(c.buf)
		c.buf = c.buf[:0]
	}
	c.metrics.SetBuffered(c.name, len(c.buf))
	return out, overflow
}

func (c *Consumer) dispatch(w *worker, m frame.Message) {
	if w.abandoned.Load() {
		return
	}
	c.messages.Add(1)
	c.metrics.IncMessage(c.name, string(m.Payload.Kind()))
	if c.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panic", zap.Any("panic", r))
		}
	}()
	c.onMessage(m)
}

func (c *Consumer) raise(w *worker, ev ErrorEvent) {
	if w.abandoned.Load() || c.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("error handler panic", zap.Any("panic", r))
		}
	}()
	c.onError(ev)
}

// finish 协程退出时置为 Stopped
func (c *Consumer) finish(w *worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == w {
		c.state = StateStopped
	}
	c.log.Info("consumer stopped")
}

// isClosed 流已结束，继续读取没有意义
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
