package sink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
	"github.com/taoyao-code/daqlink/internal/metrics"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

const publishTimeout = 3 * time.Second

// NewClient 创建 Redis 客户端并探活
func NewClient(cfg cfgpkg.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Client 发布所需的 Redis 能力，*redis.Client 满足该接口
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Envelope 转发到 Redis 频道的消息格式
type Envelope struct {
	Link   string          `json:"link"`
	Kind   frame.Kind      `json:"kind"`
	Text   string          `json:"text,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
	Raw    string          `json:"raw"` // 十六进制
	TS     time.Time       `json:"ts"`
}

// Encode 将消息编码为 JSON 信封，二进制记录使用 protojson
func Encode(link string, m frame.Message) ([]byte, error) {
	env := Envelope{Link: link, Raw: hex.EncodeToString(m.Raw), TS: m.Timestamp}
	switch p := m.Payload.(type) {
	case frame.Text:
		env.Kind = frame.KindText
		env.Text = string(p)
	case frame.Binary:
		if p.Record == nil {
			return nil, fmt.Errorf("binary message without record")
		}
		b, err := protojson.Marshal(p.Record)
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		env.Kind = frame.KindBinary
		env.Record = b
	default:
		return nil, fmt.Errorf("unsupported payload %T", m.Payload)
	}
	return json.Marshal(env)
}

// Publisher 将消费者收到的消息转发到 Redis 频道。
// Handle 在消费者协程上调用，只做非阻塞入队；发布在独立协程中完成。
type Publisher struct {
	client  Client
	channel string
	link    string
	log     *zap.Logger
	metrics *metrics.StreamMetrics

	mu     sync.RWMutex
	closed bool
	ch     chan frame.Message
	done   chan struct{}

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher 创建转发器，需调用 Start 启动发布协程
func NewPublisher(client Client, cfg cfgpkg.RedisConfig, link string, log *zap.Logger, m *metrics.StreamMetrics) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	return &Publisher{
		client:  client,
		channel: cfg.Channel,
		link:    link,
		log:     log.With(zap.String("link", link), zap.String("component", "sink")),
		metrics: m,
		ch:      make(chan frame.Message, size),
		done:    make(chan struct{}),
	}
}

// Start 启动发布协程
func (p *Publisher) Start() {
	go p.run()
}

// Handle 入队一条消息；缓冲满或已关闭时丢弃
func (p *Publisher) Handle(m frame.Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- m:
	default:
		p.dropped.Add(1)
		p.metrics.IncPublish("dropped")
	}
}

// Close 停止接收并等待缓冲内消息发布完毕
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublisherStats 转发统计
type PublisherStats struct {
	Channel   string `json:"channel"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Channel:   p.channel,
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for m := range p.ch {
		p.publish(m)
	}
}

func (p *Publisher) publish(m frame.Message) {
	body, err := Encode(p.link, m)
	if err != nil {
		p.failed.Add(1)
		p.metrics.IncPublish("error")
		p.log.Warn("encode envelope failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		p.failed.Add(1)
		p.metrics.IncPublish("error")
		p.log.Warn("publish failed", zap.String("channel", p.channel), zap.Error(err))
		return
	}
	p.published.Add(1)
	p.metrics.IncPublish("ok")
}
