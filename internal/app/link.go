package app

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
	"github.com/taoyao-code/daqlink/internal/metrics"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
	"github.com/taoyao-code/daqlink/internal/protocol/scpi"
	"github.com/taoyao-code/daqlink/internal/protocol/telemetry"
	"github.com/taoyao-code/daqlink/internal/stream"
)

// BuildParser 按 stream.parsers 组合帧解析器
func BuildParser(cfg cfgpkg.StreamConfig) (frame.Parser, error) {
	var text, binary frame.Parser
	newText := func() frame.Parser { return scpi.NewLineParser(cfg.LineDelimiter) }
	newBinary := func() frame.Parser {
		return telemetry.NewParser(
			telemetry.WithMaxRecordSize(cfg.MaxRecordSize),
			telemetry.WithEmptyRecords(cfg.AllowEmptyRecord),
		)
	}

	switch cfg.Parsers {
	case "text":
		text = newText()
	case "binary":
		binary = newBinary()
	case "both", "":
		text, binary = newText(), newBinary()
	default:
		return nil, fmt.Errorf("unknown parsers %q", cfg.Parsers)
	}
	return frame.NewComposite(text, binary), nil
}

// Link 一条设备连接上的收发管道：消费者负责上行，生产者负责下行
type Link struct {
	name    string
	parsers string
	conn    io.ReadWriter
	log     *zap.Logger

	consumer *stream.Consumer
	producer *stream.Producer
	breaker  *stream.Breaker

	mu         sync.RWMutex
	onMessage  []stream.MessageHandler
	onError    []stream.ErrorHandler
	sinks      map[string]func() any
	closeOnce  sync.Once
	closeError error
}

// NewLink 在已连接的流上组装消费者与生产者，conn 实现 io.Closer 时 Close 一并关闭
func NewLink(conn io.ReadWriter, name string, cfg cfgpkg.StreamConfig, log *zap.Logger, m *metrics.StreamMetrics) (*Link, error) {
	if conn == nil {
		return nil, errors.New("link: nil connection")
	}
	if log == nil {
		log = zap.NewNop()
	}
	parser, err := BuildParser(cfg)
	if err != nil {
		return nil, err
	}

	l := &Link{
		name:    name,
		parsers: cfg.Parsers,
		conn:    conn,
		log:     log.With(zap.String("link", name)),
		breaker: stream.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	l.breaker.SetStateChangeCallback(func(from, to stream.BreakerState) {
		l.log.Warn("write circuit state changed", zap.String("from", from.String()), zap.String("to", to.String()))
	})

	l.consumer = stream.NewConsumer(conn, parser,
		stream.WithConsumerName(name),
		stream.WithConsumerLogger(log),
		stream.WithConsumerMetrics(m),
		stream.WithMessageHandler(l.dispatch),
		stream.WithErrorHandler(l.raise),
		stream.WithReadBufferSize(cfg.ReadBufferSize),
		stream.WithReadTimeout(cfg.ReadTimeout),
		stream.WithMaxBufferSize(cfg.MaxBufferSize),
		stream.WithErrorPolicy(cfg.ErrorThreshold, cfg.ErrorBackoff),
		stream.WithConsumerStopTimeout(cfg.StopTimeout),
	)
	l.producer = stream.NewProducer(conn,
		stream.WithProducerName(name),
		stream.WithProducerLogger(log),
		stream.WithProducerMetrics(m),
		stream.WithInterval(cfg.ProducerInterval),
		stream.WithWriteTimeout(cfg.WriteTimeout),
		stream.WithBreaker(l.breaker),
		stream.WithProducerStopTimeout(cfg.StopTimeout),
	)
	return l, nil
}

// Name 连接名称
func (l *Link) Name() string { return l.name }

// OnMessage 注册消息回调，回调在消费者协程上按序执行，不得阻塞
func (l *Link) OnMessage(h stream.MessageHandler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	l.onMessage = append(l.onMessage, h)
	l.mu.Unlock()
}

// OnError 注册读错误回调
func (l *Link) OnError(h stream.ErrorHandler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	l.onError = append(l.onError, h)
	l.mu.Unlock()
}

// AttachStats 在 Status 中附带下游组件（转发、归档）的统计
func (l *Link) AttachStats(name string, fn func() any) {
	if name == "" || fn == nil {
		return
	}
	l.mu.Lock()
	if l.sinks == nil {
		l.sinks = make(map[string]func() any)
	}
	l.sinks[name] = fn
	l.mu.Unlock()
}

func (l *Link) dispatch(m frame.Message) {
	l.mu.RLock()
	hs := l.onMessage
	l.mu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}

func (l *Link) raise(ev stream.ErrorEvent) {
	l.mu.RLock()
	hs := l.onError
	l.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// Start 先启动生产者再启动消费者
func (l *Link) Start() error {
	if err := l.producer.Start(); err != nil {
		return fmt.Errorf("start producer: %w", err)
	}
	if err := l.consumer.Start(); err != nil {
		l.producer.Stop()
		return fmt.Errorf("start consumer: %w", err)
	}
	l.log.Info("link started", zap.String("parsers", l.parsers))
	return nil
}

// Send 入队一条下行指令
func (l *Link) Send(cmd frame.Command) error {
	return l.producer.Send(cmd)
}

// SendText 入队一条文本指令
func (l *Link) SendText(text string) error {
	return l.producer.Send(scpi.NewCommand(text))
}

// ClearBuffer 丢弃尚未成帧的上行字节
func (l *Link) ClearBuffer() error {
	return l.consumer.ClearBuffer()
}

// Close 先写完待发指令，再停止读取并关闭连接
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		_ = l.producer.Close()
		_ = l.consumer.Close()
		if c, ok := l.conn.(io.Closer); ok {
			l.closeError = c.Close()
		}
		l.log.Info("link closed")
	})
	return l.closeError
}

// Ready 上行与下行均在运行
func (l *Link) Ready() bool {
	return l.consumer.IsRunning() && l.producer.IsRunning()
}

// Stats 上行与下行统计
func (l *Link) Stats() (stream.ConsumerStats, stream.ProducerStats) {
	return l.consumer.Stats(), l.producer.Stats()
}

// Status 连接状态快照
type Status struct {
	Name     string               `json:"name"`
	Parsers  string               `json:"parsers"`
	Ready    bool                 `json:"ready"`
	Consumer stream.ConsumerStats `json:"consumer"`
	Producer stream.ProducerStats `json:"producer"`
	Sinks    map[string]any       `json:"sinks,omitempty"`
}

func (l *Link) Status() Status {
	st := Status{
		Name:     l.name,
		Parsers:  l.parsers,
		Ready:    l.Ready(),
		Consumer: l.consumer.Stats(),
		Producer: l.producer.Stats(),
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.sinks) > 0 {
		st.Sinks = make(map[string]any, len(l.sinks))
		for name, fn := range l.sinks {
			st.Sinks[name] = fn()
		}
	}
	return st
}
