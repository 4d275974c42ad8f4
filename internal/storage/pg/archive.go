package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
	"github.com/taoyao-code/daqlink/internal/metrics"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

const flushTimeout = 5 * time.Second

// DB 归档所需的数据库能力，*pgxpool.Pool 满足该接口
type DB interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var messageColumns = []string{"link", "kind", "payload_text", "payload_json", "raw", "received_at"}

// Archiver 将接收到的消息批量写入 link_messages 表。
// Handle 不阻塞调用方（运行在消费者协程上），缓冲满时丢弃并计数。
type Archiver struct {
	db      DB
	link    string
	log     *zap.Logger
	metrics *metrics.StreamMetrics

	batchSize     int
	flushInterval time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan frame.Message
	done   chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewArchiver 创建归档器，需调用 Start 启动写协程
func NewArchiver(db DB, link string, cfg cfgpkg.DatabaseConfig, log *zap.Logger, m *metrics.StreamMetrics) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Archiver{
		db:            db,
		link:          link,
		log:           log.With(zap.String("link", link), zap.String("component", "archive")),
		metrics:       m,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		done:          make(chan struct{}),
	}
	if a.batchSize <= 0 {
		a.batchSize = 200
	}
	if a.flushInterval <= 0 {
		a.flushInterval = time.Second
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 4096
	}
	a.ch = make(chan frame.Message, size)
	return a
}

// Start 启动批量写协程
func (a *Archiver) Start() {
	go a.run()
}

// Handle 入队一条消息
func (a *Archiver) Handle(m frame.Message) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- m:
	default:
		a.dropped.Add(1)
		a.metrics.AddArchived("dropped", 1)
	}
}

// LogCommand 记录一条下行指令
func (a *Archiver) LogCommand(ctx context.Context, cmd frame.Command, source string) error {
	b, err := cmd.Serialize()
	if err != nil {
		return fmt.Errorf("serialize command: %w", err)
	}
	const q = `INSERT INTO command_log (link, kind, payload, source, created_at)
               VALUES ($1,$2,$3,$4,NOW())`
	_, err = a.db.Exec(ctx, q, a.link, string(cmd.Payload().Kind()), b, source)
	return err
}

// Close 停止接收并等待剩余消息写入，ctx 到期则放弃等待
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ArchiveStats 归档统计
type ArchiveStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func (a *Archiver) Stats() ArchiveStats {
	return ArchiveStats{
		Written: a.written.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([][]any, 0, a.batchSize)
	for {
		select {
		case m, ok := <-a.ch:
			if !ok {
				a.flush(batch)
				return
			}
			row, err := messageRow(a.link, m)
			if err != nil {
				a.failed.Add(1)
				a.metrics.AddArchived("error", 1)
				a.log.Warn("encode message failed", zap.Error(err))
				continue
			}
			batch = append(batch, row)
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (a *Archiver) flush(rows [][]any) {
	if len(rows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	n, err := a.db.CopyFrom(ctx, pgx.Identifier{"link_messages"}, messageColumns, pgx.CopyFromRows(rows))
	if err != nil {
		a.failed.Add(uint64(len(rows)))
		a.metrics.AddArchived("error", len(rows))
		a.log.Error("archive batch failed", zap.Int("rows", len(rows)), zap.Error(err))
		return
	}
	a.written.Add(uint64(n))
	a.metrics.AddArchived("ok", int(n))
	a.log.Debug("archive batch written", zap.Int64("rows", n))
}

// pgText text 列不接受 NUL 与非法 UTF-8，原始字节另存于 raw 列
func pgText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

// messageRow 按 messageColumns 顺序生成一行
func messageRow(link string, m frame.Message) ([]any, error) {
	var (
		text any
		doc  any
	)
	switch p := m.Payload.(type) {
	case frame.Text:
		text = pgText(string(p))
	case frame.Binary:
		if p.Record == nil {
			return nil, fmt.Errorf("binary message without record")
		}
		b, err := protojson.Marshal(p.Record)
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		doc = json.RawMessage(b)
	default:
		return nil, fmt.Errorf("unsupported payload %T", m.Payload)
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	raw := m.Raw
	if raw == nil {
		raw = []byte{}
	}
	return []any{link, string(m.Payload.Kind()), text, doc, raw, ts}, nil
}
