package health

import (
	"context"
	"time"

	"github.com/taoyao-code/daqlink/internal/stream"
)

// LinkSource 提供设备连接收发状态，*app.Link 满足该接口
type LinkSource interface {
	Name() string
	Ready() bool
	Stats() (stream.ConsumerStats, stream.ProducerStats)
}

// LinkChecker 设备连接健康检查器
type LinkChecker struct {
	link LinkSource
}

func NewLinkChecker(link LinkSource) *LinkChecker {
	return &LinkChecker{link: link}
}

func (c *LinkChecker) Name() string {
	return "link:" + c.link.Name()
}

// Check 收发协程未运行为不健康；写通道熔断打开为降级
func (c *LinkChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	cs, ps := c.link.Stats()

	details := map[string]any{
		"consumer_state": cs.State,
		"producer_state": ps.State,
		"buffered":       cs.Buffered,
		"messages":       cs.Messages,
		"discarded":      cs.Discarded,
		"read_errors":    cs.ReadErrors,
		"queued":         ps.Queued,
		"written":        ps.Written,
		"write_failed":   ps.Failed,
		"write_dropped":  ps.Dropped,
	}
	if ps.Breaker != "" {
		details["breaker"] = ps.Breaker
	}

	status, message := StatusHealthy, "ok"
	switch {
	case !c.link.Ready():
		status, message = StatusUnhealthy, "link not running"
	case ps.Breaker == stream.BreakerOpen.String():
		status, message = StatusDegraded, "write circuit open"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}
