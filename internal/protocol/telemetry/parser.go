package telemetry

import (
	"errors"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

// DefaultMaxRecordSize 单条记录载荷上限，超过视为长度前缀损坏
const DefaultMaxRecordSize = 64 * 1024

// DelimitedParser 长度前缀（varint）+ protobuf 载荷的流式解析器
//
// 解码失败（长度异常、半包、schema 不符）时逐字节滑动重试；
// 直到缓冲区末尾仍无有效记录时不消耗任何字节，等待后续数据补全。
type DelimitedParser struct {
	typ        protoreflect.MessageType
	maxRecord  int
	allowEmpty bool
}

// Option DelimitedParser 配置项
type Option func(*DelimitedParser)

// WithMaxRecordSize 设置单条记录载荷上限
func WithMaxRecordSize(n int) Option {
	return func(p *DelimitedParser) {
		if n > 0 {
			p.maxRecord = n
		}
	}
}

// WithEmptyRecords 是否接受长度为 0 的记录（默认视为损坏字节跳过）
func WithEmptyRecords(allow bool) Option {
	return func(p *DelimitedParser) { p.allowEmpty = allow }
}

// NewDelimitedParser 按指定消息类型创建解析器
func NewDelimitedParser(typ protoreflect.MessageType, opts ...Option) *DelimitedParser {
	p := &DelimitedParser{typ: typ, maxRecord: DefaultMaxRecordSize}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewParser 创建遥测记录解析器
func NewParser(opts ...Option) *DelimitedParser {
	return NewDelimitedParser(MessageType(), opts...)
}

// Parse 从缓冲区头部起解出尽可能多的记录
func (p *DelimitedParser) Parse(buf []byte) frame.Result {
	var res frame.Result
	if p == nil || p.typ == nil || len(buf) == 0 {
		return res
	}
	now := time.Now()
	off := 0
	for off < len(buf) {
		found := false
		for start := off; start < len(buf); start++ {
			rec, n, h := p.decode(buf[start:])
			if h != frame.HeadComplete {
				continue
			}
			res.Messages = append(res.Messages, frame.Message{
				Payload:   frame.Binary{Record: rec},
				Raw:       buf[start : start+n],
				Timestamp: now,
			})
			res.Discarded += start - off
			off = start + n
			found = true
			break
		}
		if !found {
			break
		}
	}
	res.Consumed = off
	return res
}

// ParseHead 只在缓冲区起始处解码，不做滑动
func (p *DelimitedParser) ParseHead(buf []byte) (*frame.Message, int, frame.Head) {
	if p == nil || p.typ == nil || len(buf) == 0 {
		return nil, 0, frame.HeadInvalid
	}
	rec, n, h := p.decode(buf)
	if h != frame.HeadComplete {
		return nil, 0, h
	}
	return &frame.Message{
		Payload:   frame.Binary{Record: rec},
		Raw:       buf[:n],
		Timestamp: time.Now(),
	}, n, h
}

// decode 尝试在 b 起始处解出一条记录
// 长度前缀合法但载荷未收全时返回 HeadPartial
func (p *DelimitedParser) decode(b []byte) (proto.Message, int, frame.Head) {
	size, k := protowire.ConsumeVarint(b)
	if k < 0 {
		if errors.Is(protowire.ParseError(k), io.ErrUnexpectedEOF) && len(b) < protowire.SizeVarint(uint64(p.maxRecord)) {
			return nil, 0, frame.HeadPartial
		}
		return nil, 0, frame.HeadInvalid
	}
	if size == 0 && !p.allowEmpty {
		return nil, 0, frame.HeadInvalid
	}
	if size > uint64(p.maxRecord) {
		return nil, 0, frame.HeadInvalid
	}
	if size > uint64(len(b)-k) {
		return nil, 0, frame.HeadPartial
	}
	end := k + int(size)
	m := p.typ.New().Interface()
	if err := proto.Unmarshal(b[k:end], m); err != nil {
		return nil, 0, frame.HeadInvalid
	}
	// 未知字段或线型不符的字段均视为 schema 违例
	if len(m.ProtoReflect().GetUnknown()) > 0 {
		return nil, 0, frame.HeadInvalid
	}
	return m, end, frame.HeadComplete
}
