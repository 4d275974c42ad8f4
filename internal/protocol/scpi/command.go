package scpi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

var ErrEmbeddedDelimiter = errors.New("command contains line delimiter")

// Command 文本指令，如 "*IDN?" 或 "SYSTem:StartStreamData 100"
type Command struct {
	Text      string
	Delimiter string // 为空时使用 CRLF
}

// NewCommand 以默认分隔符创建指令
func NewCommand(text string) *Command { return &Command{Text: text} }

// Commandf 按参数拼接指令，参数以逗号分隔
//
//	Commandf("SYSTem:StartStreamData", 100) => "SYSTem:StartStreamData 100"
func Commandf(header string, args ...any) *Command {
	if len(args) == 0 {
		return NewCommand(header)
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, formatArg(a))
	}
	return NewCommand(header + " " + strings.Join(parts, ","))
}

func (c *Command) Payload() frame.Payload { return frame.Text(c.Text) }

// Serialize 指令文本 + 分隔符
func (c *Command) Serialize() ([]byte, error) {
	delim := c.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}
	if strings.Contains(c.Text, delim) {
		return nil, ErrEmbeddedDelimiter
	}
	out := make([]byte, 0, len(c.Text)+len(delim))
	out = append(out, c.Text...)
	out = append(out, delim...)
	return out, nil
}

func (c *Command) String() string { return c.Text }

// formatArg SCPI 参数格式：布尔值写作 1/0
func formatArg(a any) string {
	switch v := a.(type) {
	case bool:
		if v {
			return "1"
		}
		return "0"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
