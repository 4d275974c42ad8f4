package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/daqlink/internal/protocol/frame"
	"github.com/taoyao-code/daqlink/internal/protocol/scpi"
)

// ProbeStep 探测脚本中的一条指令
//
//	steps:
//	  - text: "*IDN?"
//	  - text: "SYSTem:StartStreamData"
//	    args: [100]
//	    delay: 50ms
type ProbeStep struct {
	Text  string        `yaml:"text"`
	Args  []any         `yaml:"args"`
	Delay time.Duration `yaml:"delay"` // 发送后等待
}

// Probe 连接建立后依次下发的指令脚本
type Probe struct {
	Steps []ProbeStep `yaml:"steps"`
}

// LoadProbe 解析 YAML 脚本
func LoadProbe(r io.Reader) (*Probe, error) {
	var p Probe
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode probe: %w", err)
	}
	for i, s := range p.Steps {
		if s.Text == "" {
			return nil, fmt.Errorf("probe step %d: empty text", i)
		}
	}
	return &p, nil
}

// LoadProbeFile 从文件读取脚本
func LoadProbeFile(path string) (*Probe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadProbe(f)
}

// Commands 将脚本展开为文本指令
func (p *Probe) Commands() []*scpi.Command {
	out := make([]*scpi.Command, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, scpi.Commandf(s.Text, s.Args...))
	}
	return out
}

// Sender 可接收下行指令的对象，*Link 满足该接口
type Sender interface {
	Send(cmd frame.Command) error
}

// Run 依次入队脚本指令，步骤间按 delay 等待；ctx 取消时提前返回
func (p *Probe) Run(ctx context.Context, s Sender) error {
	for i, cmd := range p.Commands() {
		if err := s.Send(cmd); err != nil {
			return fmt.Errorf("probe step %d %q: %w", i, cmd.Text, err)
		}
		d := p.Steps[i].Delay
		if d <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return nil
}
