package scpi

import (
	"bytes"
	"time"

	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

// DefaultDelimiter 文本协议默认行分隔符
const DefaultDelimiter = "\r\n"

// LineParser 按分隔符切分文本行
// 未以分隔符结尾的尾部数据不消耗，留待下次补全；空行消耗但不产生消息
type LineParser struct {
	delim []byte
}

// NewLineParser 创建行解析器，delim 为空时使用 CRLF
func NewLineParser(delim string) *LineParser {
	if delim == "" {
		delim = DefaultDelimiter
	}
	return &LineParser{delim: []byte(delim)}
}

// Delimiter 返回当前分隔符
func (p *LineParser) Delimiter() string {
	if p == nil || len(p.delim) == 0 {
		return DefaultDelimiter
	}
	return string(p.delim)
}

// Parse 切分出所有完整行
func (p *LineParser) Parse(buf []byte) frame.Result {
	var res frame.Result
	for res.Consumed < len(buf) {
		m, n, h := p.ParseHead(buf[res.Consumed:])
		if h != frame.HeadComplete {
			break
		}
		if m != nil {
			res.Messages = append(res.Messages, *m)
		}
		res.Consumed += n
	}
	return res
}

// ParseHead 解析头部一行；空行消耗分隔符但不产生消息
func (p *LineParser) ParseHead(buf []byte) (*frame.Message, int, frame.Head) {
	if p == nil || len(p.delim) == 0 {
		return nil, 0, frame.HeadInvalid
	}
	i := bytes.Index(buf, p.delim)
	if i < 0 {
		return nil, 0, frame.HeadPartial
	}
	end := i + len(p.delim)
	if i == 0 {
		return nil, end, frame.HeadComplete
	}
	return &frame.Message{
		Payload:   frame.Text(buf[:i]),
		Raw:       buf[:end],
		Timestamp: time.Now(),
	}, end, frame.HeadComplete
}
