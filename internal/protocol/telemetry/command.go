package telemetry

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"

	"github.com/taoyao-code/daqlink/internal/protocol/frame"
)

var ErrNilRecord = errors.New("nil telemetry record")

// Command 二进制下行指令：varint 长度前缀 + protobuf 载荷
type Command struct {
	Record proto.Message
}

// NewCommand 由类型化视图构造指令
func NewCommand(s *Sample) *Command { return &Command{Record: s.Record()} }

func (c *Command) Payload() frame.Payload { return frame.Binary{Record: c.Record} }

// Serialize 编码为长度前缀帧
func (c *Command) Serialize() ([]byte, error) {
	if c.Record == nil {
		return nil, ErrNilRecord
	}
	var buf bytes.Buffer
	opts := protodelim.MarshalOptions{MarshalOptions: proto.MarshalOptions{Deterministic: true}}
	if _, err := opts.MarshalTo(&buf, c.Record); err != nil {
		return nil, fmt.Errorf("marshal telemetry record: %w", err)
	}
	return buf.Bytes(), nil
}
