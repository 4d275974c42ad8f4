package frame

import (
	"time"

	"google.golang.org/protobuf/proto"
)

// Kind 消息载荷类别
type Kind string

const (
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

// Payload 消息载荷：仅有 Text 与 Binary 两种实现（封闭和类型）
// 使用方通过 type switch 区分，不存在其它实现
type Payload interface {
	Kind() Kind
	sealed()
}

// Text 文本协议的一行（不含分隔符）
type Text string

func (Text) Kind() Kind { return KindText }
func (Text) sealed()    {}

// Binary 二进制遥测协议的一条记录
type Binary struct {
	Record proto.Message
}

func (Binary) Kind() Kind { return KindBinary }
func (Binary) sealed()    {}

// Message 从字节流中还原出的一条完整应用消息
type Message struct {
	Payload   Payload
	Raw       []byte    // 该消息在线路上的原始字节（含分隔符/长度前缀）
	Timestamp time.Time // 捕获时间
}

// Command 下行指令：可序列化为线路字节
type Command interface {
	Payload() Payload
	Serialize() ([]byte, error)
}
