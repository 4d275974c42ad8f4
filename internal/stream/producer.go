package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/daqlink/internal/metrics"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

const (
	defaultInterval     = 10 * time.Millisecond
	defaultWriteTimeout = 5 * time.Second
	drainPollInterval   = 2 * time.Millisecond
)

// Producer 下行指令生产者：调用方入队即返回，由后台协程按 FIFO 序列化并写入
type Producer struct {
	name    string
	log     *zap.Logger
	metrics *metrics.StreamMetrics
	breaker *Breaker

	interval     time.Duration
	writeTimeout time.Duration
	stopTimeout  time.Duration

	mu       sync.Mutex
	state    State
	disposed bool
	w        io.Writer
	queue    []frame.Command
	inflight int
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// ProducerOption Producer 配置项
type ProducerOption func(*Producer)

func WithProducerName(name string) ProducerOption {
	return func(p *Producer) {
		if name != "" {
			p.name = name
		}
	}
}

func WithProducerLogger(l *zap.Logger) ProducerOption {
	return func(p *Producer) {
		if l != nil {
			p.log = l
		}
	}
}

func WithProducerMetrics(m *metrics.StreamMetrics) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// WithInterval 写协程兜底轮询间隔（入队时会立即唤醒）
func WithInterval(d time.Duration) ProducerOption {
	return func(p *Producer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithWriteTimeout 写超时（仅对支持 SetWriteDeadline 的流生效）
func WithWriteTimeout(d time.Duration) ProducerOption {
	return func(p *Producer) { p.writeTimeout = d }
}

// WithBreaker 设置写通道熔断器，nil 表示不熔断
func WithBreaker(b *Breaker) ProducerOption {
	return func(p *Producer) { p.breaker = b }
}

func WithProducerStopTimeout(d time.Duration) ProducerOption {
	return func(p *Producer) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// NewProducer 创建生产者，w 为已连接的字节流
func NewProducer(w io.Writer, opts ...ProducerOption) *Producer {
	p := &Producer{
		name:         "producer-" + uuid.NewString()[:8],
		log:          zap.NewNop(),
		interval:     defaultInterval,
		writeTimeout: defaultWriteTimeout,
		stopTimeout:  DefaultStopTimeout,
		w:            w,
		wake:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(zap.String("link", p.name), zap.String("component", "producer"))
	return p
}

// Name 实例名称
func (p *Producer) Name() string { return p.name }

// Start 启动写协程；已运行时为空操作
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrDisposed
	}
	switch p.state {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrStopped
	}
	if p.w == nil {
		return fmt.Errorf("stream: producer requires writer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = StateRunning
	go p.run(ctx, p.w, p.done)

	p.log.Info("producer started", zap.Duration("interval", p.interval))
	return nil
}

// Send 入队并立即返回，不在调用方协程上做任何 I/O
func (p *Producer) Send(cmd frame.Command) error {
	if cmd == nil {
		return ErrNilCommand
	}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	if p.state != StateRunning {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.queue = append(p.queue, cmd)
	depth := len(p.queue)
	p.mu.Unlock()

	p.metrics.IncQueued(p.name)
	p.metrics.SetQueueDepth(p.name, depth)
	p.signal()
	return nil
}

func (p *Producer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop 清空队列并停止写协程，有界等待其退出
func (p *Producer) Stop() {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StateStopping {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	purged := len(p.queue)
	p.queue = nil
	done := p.done
	p.cancel()
	p.interruptLocked()
	p.mu.Unlock()

	if purged > 0 {
		p.log.Info("producer queue purged", zap.Int("commands", purged))
	}
	p.join(done, p.stopTimeout)
}

// StopSafely 拒绝新指令并等待队列写完；超时则清空队列强制停止并返回 false
func (p *Producer) StopSafely(timeout time.Duration) bool {
	p.mu.Lock()
	if p.state != StateRunning {
		done := p.done
		p.mu.Unlock()
		if done == nil {
			return true
		}
		return p.join(done, timeout)
	}
	p.state = StateStopping
	done := p.done
	p.mu.Unlock()
	p.signal()

	deadline := time.Now().Add(timeout)
	drained := true
	poll := time.NewTicker(drainPollInterval)
	defer poll.Stop()
	for p.pending() > 0 {
		if !time.Now().Before(deadline) {
			drained = false
			break
		}
		select {
		case <-poll.C:
		case <-done:
		}
		if isClosedChan(done) {
			drained = p.pending() == 0
			break
		}
	}

	p.mu.Lock()
	if !drained {
		p.log.Warn("producer forced to stop", zap.Int("pending", len(p.queue)+p.inflight), zap.Duration("timeout", timeout))
		p.queue = nil
		p.interruptLocked()
	}
	p.cancel()
	p.mu.Unlock()

	wait := time.Until(deadline)
	if wait < drainPollInterval {
		wait = drainPollInterval
	}
	exited := p.join(done, wait)
	return drained && exited
}

// join 等待写协程退出并置为 Stopped
func (p *Producer) join(done chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	exited := true
	select {
	case <-done:
	case <-timer.C:
		exited = false
		p.log.Warn("producer writer did not exit in time", zap.Duration("timeout", timeout))
	}
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	p.metrics.SetQueueDepth(p.name, 0)
	return exited
}

// interruptLocked 打断阻塞中的写入，调用方需持有 p.mu
func (p *Producer) interruptLocked() {
	if d, ok := p.w.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now())
	}
}

func (p *Producer) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.inflight
}

// Close 安全停止后释放写入流，之后 Start/Send 返回 ErrDisposed
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.StopSafely(p.stopTimeout)

	p.mu.Lock()
	p.disposed = true
	p.state = StateStopped
	p.queue = nil
	p.w = nil
	p.mu.Unlock()
	p.log.Info("producer disposed")
	return nil
}

// State 当前生命周期状态
func (p *Producer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsRunning 是否可接收指令
func (p *Producer) IsRunning() bool { return p.State() == StateRunning }

// QueuedCount 队列中等待写入的指令数
func (p *Producer) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ProducerStats 生产者统计信息
type ProducerStats struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Breaker string `json:"breaker,omitempty"`
	Trips   int64  `json:"breaker_trips,omitempty"`
}

// Stats 获取统计信息；Breaker 反映传输层持续故障
func (p *Producer) Stats() ProducerStats {
	s := ProducerStats{
		Name:    p.name,
		State:   p.State().String(),
		Queued:  p.QueuedCount(),
		Written: p.written.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
	}
	if p.breaker != nil {
		s.Breaker = p.breaker.State().String()
		s.Trips = p.breaker.Trips()
	}
	return s
}

// run 写循环：被唤醒或定时到期时排空队列
func (p *Producer) run(ctx context.Context, w io.Writer, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.drain(ctx, w)
	}
}

func (p *Producer) drain(ctx context.Context, w io.Writer) {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.inflight = len(batch)
	p.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	p.metrics.SetQueueDepth(p.name, p.QueuedCount())

	for i, cmd := range batch {
		if ctx.Err() != nil {
			break
		}
		p.write(w, cmd)
		p.mu.Lock()
		p.inflight = len(batch) - i - 1
		p.mu.Unlock()
	}
	p.mu.Lock()
	p.inflight = 0
	p.mu.Unlock()
}

// write 单条指令失败只记录，不影响后续指令
func (p *Producer) write(w io.Writer, cmd frame.Command) {
	b, err := serialize(cmd)
	if err != nil {
		p.failed.Add(1)
		p.metrics.IncWritten(p.name, "error")
		p.log.Warn("serialize command failed", zap.Error(err))
		return
	}

	writeFn := func() error { return p.writeBytes(w, b) }
	if p.breaker != nil {
		err = p.breaker.Call(writeFn)
	} else {
		err = writeFn()
	}

	switch {
	case err == nil:
		p.written.Add(1)
		p.metrics.IncWritten(p.name, "ok")
	case errors.Is(err, ErrCircuitOpen):
		p.dropped.Add(1)
		p.metrics.IncWritten(p.name, "dropped")
		p.log.Debug("command dropped, write circuit open")
	default:
		p.failed.Add(1)
		p.metrics.IncWritten(p.name, "error")
		p.log.Warn("write command failed", zap.Error(err))
	}
}

func (p *Producer) writeBytes(w io.Writer, b []byte) error {
	if d, ok := w.(writeDeadliner); ok && p.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	n, err := w.Write(b)
	p.metrics.AddSent(p.name, n)
	if err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush command: %w", err)
		}
	}
	return nil
}

// serialize 指令实现可能 panic（如 nil 指针），转为错误
func serialize(cmd frame.Command) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serialize command: panic: %v", r)
		}
	}()
	b, err = cmd.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize command: %w", err)
	}
	return b, nil
}

func isClosedChan(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
