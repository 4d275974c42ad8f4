package frame

import (
	"bytes"
	"unicode/utf8"
)

// Result 一次解析的结果
//   - Messages 仅在未找到任何完整帧时为空
//   - Consumed 为可从缓冲区头部移除的字节数，0 <= Consumed <= len(buf)
//   - Discarded 为 Consumed 中作为损坏数据跳过的字节数
type Result struct {
	Messages  []Message
	Consumed  int
	Discarded int
}

// Empty 未解析出任何消息且未消耗字节
func (r Result) Empty() bool { return len(r.Messages) == 0 && r.Consumed == 0 }

// Parser 帧解析器：纯函数，不修改输入缓冲区，对畸形或不完整数据不返回错误
type Parser interface {
	Parse(buf []byte) Result
}

// ParserFunc 函数适配为 Parser
type ParserFunc func(buf []byte) Result

func (f ParserFunc) Parse(buf []byte) Result { return f(buf) }

// Head 缓冲区头部相对某一协议的状态
type Head int

const (
	HeadInvalid  Head = iota // 头部不是该协议的帧
	HeadPartial              // 头部可能是尚未收全的帧
	HeadComplete             // 头部是一条完整帧
)

// HeadParser 可单独判定缓冲区头部一帧的解析器
// HeadComplete 时 n 为帧长；msg 为 nil 表示该帧不产生消息（如空行）
type HeadParser interface {
	Parser
	ParseHead(buf []byte) (msg *Message, n int, h Head)
}

// Composite 文本/二进制复合解析器，任一子解析器均可为 nil
//
// 两个子解析器都实现 HeadParser 时逐帧判定头部：
//   - 头部是完整记录：取二进制
//   - 头部是完整的可打印文本行，且行内没有完整记录的起点：取文本
//   - 头部可能是未收全的记录或未收全的行，且后续没有完整记录：等待
//   - 其余情况跳过一个字节（计入 Discarded）后重新判定
//
// 否则按整块尝试：缓冲区含 0x00 时优先二进制，否则优先文本，无结果时回退到另一个。
type Composite struct {
	Text   Parser
	Binary Parser
}

// NewComposite 创建复合解析器
func NewComposite(text, binary Parser) *Composite {
	return &Composite{Text: text, Binary: binary}
}

func (c *Composite) Parse(buf []byte) Result {
	if c == nil || len(buf) == 0 {
		return Result{}
	}
	switch {
	case c.Text == nil && c.Binary == nil:
		return Result{}
	case c.Binary == nil:
		return c.Text.Parse(buf)
	case c.Text == nil:
		return c.Binary.Parse(buf)
	}
	text, tok := c.Text.(HeadParser)
	binary, bok := c.Binary.(HeadParser)
	if tok && bok {
		return parseHeads(buf, text, binary)
	}
	return c.parseWhole(buf)
}

func (c *Composite) parseWhole(buf []byte) Result {
	first, second := c.Text, c.Binary
	if bytes.IndexByte(buf, 0x00) >= 0 {
		first, second = c.Binary, c.Text
	}
	for _, p := range []Parser{first, second} {
		if res := p.Parse(buf); !res.Empty() {
			return res
		}
	}
	return Result{}
}

func parseHeads(buf []byte, text, binary HeadParser) Result {
	var res Result
	scan := recordScan{binary: binary, buf: buf}
	off := 0
	for off < len(buf) {
		rest := buf[off:]
		m, n, bin := binary.ParseHead(rest)
		if bin == HeadComplete {
			res.Messages = append(res.Messages, *m)
			off += n
			continue
		}

		next := scan.next(off + 1)
		tm, tn, line := text.ParseHead(rest)
		if line == HeadComplete && printable(rest[:tn]) && next >= off+tn {
			if tm != nil {
				res.Messages = append(res.Messages, *tm)
			}
			off += tn
			continue
		}
		if next == len(buf) && (bin == HeadPartial || line == HeadPartial) {
			break
		}
		res.Discarded++
		off++
	}
	res.Consumed = off
	return res
}

// recordScan 缓存“某位置之后首条完整记录”的查找结果
type recordScan struct {
	binary HeadParser
	buf    []byte
	from   int
	at     int // len(buf) 表示 from 之后没有完整记录
	valid  bool
}

func (s *recordScan) next(start int) int {
	if s.valid && s.from <= start && start <= s.at {
		return s.at
	}
	s.from, s.at, s.valid = start, len(s.buf), true
	for i := start; i < len(s.buf); i++ {
		if _, _, h := s.binary.ParseHead(s.buf[i:]); h == HeadComplete {
			s.at = i
			break
		}
	}
	return s.at
}

// printable 文本行只含可打印字符（允许制表符与回车换行）
func printable(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			return false
		}
		if (r < 0x20 && r != '\t' && r != '\r' && r != '\n') || r == 0x7f {
			return false
		}
		b = b[size:]
	}
	return true
}
