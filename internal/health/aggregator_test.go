package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/daqlink/internal/stream"
)

// mockChecker 模拟检查器
type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Status: m.status, Message: "mock", Latency: time.Millisecond}
}

// slowChecker 等待上下文超时
type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }

func (slowChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	return CheckResult{Status: StatusUnhealthy, Message: ctx.Err().Error()}
}

func TestAggregator(t *testing.T) {
	t.Run("全部健康", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"link:daq-0", StatusHealthy},
			&mockChecker{"redis", StatusHealthy},
		)
		if s := agg.OverallStatus(context.Background()); s != StatusHealthy {
			t.Errorf("期望StatusHealthy，实际: %v", s)
		}
		if !agg.Ready(context.Background()) {
			t.Error("全部健康时应该Ready")
		}
	})

	t.Run("部分降级", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"link:daq-0", StatusHealthy},
			&mockChecker{"redis", StatusDegraded},
		)
		if s := agg.OverallStatus(context.Background()); s != StatusDegraded {
			t.Errorf("期望StatusDegraded，实际: %v", s)
		}
		if !agg.Ready(context.Background()) {
			t.Error("降级状态应该仍然Ready")
		}
	})

	t.Run("部分不健康", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"link:daq-0", StatusUnhealthy},
			&mockChecker{"redis", StatusDegraded},
		)
		if s := agg.OverallStatus(context.Background()); s != StatusUnhealthy {
			t.Errorf("期望StatusUnhealthy，实际: %v", s)
		}
		if agg.Ready(context.Background()) {
			t.Error("不健康状态不应该Ready")
		}
	})

	t.Run("动态添加检查器", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{"initial", StatusHealthy})
		agg.AddChecker(&mockChecker{"added", StatusHealthy})
		agg.AddChecker(nil)

		if n := len(agg.CheckAll(context.Background())); n != 2 {
			t.Errorf("期望2个结果，实际: %d", n)
		}
	})

	t.Run("单项检查超时", func(t *testing.T) {
		agg := NewAggregator(slowChecker{})
		agg.timeout = 10 * time.Millisecond

		start := time.Now()
		r := agg.CheckAll(context.Background())["slow"]
		if r.Status != StatusUnhealthy {
			t.Errorf("超时检查应不健康，实际: %v", r.Status)
		}
		if time.Since(start) > time.Second {
			t.Error("检查未按超时返回")
		}
	})

	t.Run("无检查器视为健康", func(t *testing.T) {
		if s := NewAggregator().OverallStatus(context.Background()); s != StatusHealthy {
			t.Errorf("期望StatusHealthy，实际: %v", s)
		}
	})
}

// fakeLink 连接状态桩
type fakeLink struct {
	ready bool
	ps    stream.ProducerStats
}

func (f *fakeLink) Name() string { return "daq-0" }
func (f *fakeLink) Ready() bool  { return f.ready }
func (f *fakeLink) Stats() (stream.ConsumerStats, stream.ProducerStats) {
	return stream.ConsumerStats{Name: "daq-0", State: "running", Messages: 3}, f.ps
}

func TestLinkChecker(t *testing.T) {
	tests := []struct {
		name string
		link *fakeLink
		want Status
	}{
		{"运行中", &fakeLink{ready: true, ps: stream.ProducerStats{Breaker: "closed"}}, StatusHealthy},
		{"熔断打开", &fakeLink{ready: true, ps: stream.ProducerStats{Breaker: "open"}}, StatusDegraded},
		{"半开", &fakeLink{ready: true, ps: stream.ProducerStats{Breaker: "half_open"}}, StatusHealthy},
		{"已停止", &fakeLink{ready: false}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLinkChecker(tt.link)
			if c.Name() != "link:daq-0" {
				t.Fatalf("名称不符: %s", c.Name())
			}
			r := c.Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("期望%v，实际: %v (%s)", tt.want, r.Status, r.Message)
			}
			if r.Details["messages"] != uint64(3) {
				t.Errorf("details 缺少消息计数: %v", r.Details)
			}
		})
	}
}

type fakeRedis struct {
	err   error
	stats redis.PoolStats
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "ping")
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (f *fakeRedis) PoolStats() *redis.PoolStats { return &f.stats }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestStoreCheckers(t *testing.T) {
	ctx := context.Background()

	if r := NewRedisChecker(&fakeRedis{}).Check(ctx); r.Status != StatusHealthy {
		t.Errorf("redis 正常应健康，实际: %v", r.Status)
	}
	if r := NewRedisChecker(&fakeRedis{err: errors.New("refused")}).Check(ctx); r.Status != StatusDegraded {
		t.Errorf("redis 不可达应降级，实际: %v", r.Status)
	}
	busy := &fakeRedis{stats: redis.PoolStats{Hits: 1, Misses: 5, Timeouts: 2}}
	if r := NewRedisChecker(busy).Check(ctx); r.Status != StatusDegraded {
		t.Errorf("连接池超时应降级，实际: %v", r.Status)
	}

	ok := pingFunc(func(context.Context) error { return nil })
	if r := NewDatabaseChecker(ok).Check(ctx); r.Status != StatusHealthy {
		t.Errorf("数据库正常应健康，实际: %v", r.Status)
	}
	down := pingFunc(func(context.Context) error { return errors.New("refused") })
	if r := NewDatabaseChecker(down).Check(ctx); r.Status != StatusDegraded {
		t.Errorf("数据库不可达应降级，实际: %v", r.Status)
	}
}

func TestHealthRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, tc := range []struct {
		status Status
		code   int
	}{
		{StatusHealthy, http.StatusOK},
		{StatusDegraded, http.StatusOK},
		{StatusUnhealthy, http.StatusServiceUnavailable},
	} {
		r := gin.New()
		RegisterHTTPRoutes(r, NewAggregator(&mockChecker{"link:daq-0", tc.status}))

		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rr.Code != tc.code {
			t.Fatalf("%s: code=%d", tc.status, rr.Code)
		}
		var report HealthReport
		if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
			t.Fatal(err)
		}
		if report.Status != tc.status || len(report.Checks) != 1 {
			t.Fatalf("报告不符: %+v", report)
		}
	}
}
