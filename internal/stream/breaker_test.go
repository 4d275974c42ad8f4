package stream

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker(t *testing.T) {
	testErr := errors.New("write failed")

	t.Run("状态转换", func(t *testing.T) {
		b := NewBreaker(3, 50*time.Millisecond)
		if b.State() != BreakerClosed {
			t.Fatalf("初始状态应为closed，实际: %v", b.State())
		}

		for i := 0; i < 3; i++ {
			_ = b.Call(func() error { return testErr })
		}
		if b.State() != BreakerOpen {
			t.Fatalf("连续3次失败后应为open，实际: %v", b.State())
		}

		called := false
		if err := b.Call(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("open状态应返回ErrCircuitOpen，实际: %v", err)
		}
		if called {
			t.Fatal("open状态不应执行写入")
		}

		time.Sleep(80 * time.Millisecond)
		if err := b.Call(func() error { return nil }); err != nil {
			t.Fatalf("冷却后试探写入应放行: %v", err)
		}
		if b.State() != BreakerClosed {
			t.Fatalf("试探成功后应恢复closed，实际: %v", b.State())
		}
		if b.Trips() != 1 {
			t.Fatalf("trips应为1，实际: %d", b.Trips())
		}
	})

	t.Run("半开失败重新打开", func(t *testing.T) {
		b := NewBreaker(2, 50*time.Millisecond)
		_ = b.Call(func() error { return testErr })
		_ = b.Call(func() error { return testErr })
		if b.State() != BreakerOpen {
			t.Fatal("应进入open")
		}

		time.Sleep(80 * time.Millisecond)
		if err := b.Call(func() error { return testErr }); !errors.Is(err, testErr) {
			t.Fatalf("半开试探应执行写入并返回原错误，实际: %v", err)
		}
		if b.State() != BreakerOpen {
			t.Fatalf("半开失败应立即回到open，实际: %v", b.State())
		}
		if b.Trips() != 2 {
			t.Fatalf("trips应为2，实际: %d", b.Trips())
		}
	})

	t.Run("成功清零失败计数", func(t *testing.T) {
		b := NewBreaker(2, time.Hour)
		_ = b.Call(func() error { return testErr })
		_ = b.Call(func() error { return nil })
		_ = b.Call(func() error { return testErr })
		if b.State() != BreakerClosed {
			t.Fatalf("非连续失败不应熔断，实际: %v", b.State())
		}
	})

	t.Run("阈值为0永不打开", func(t *testing.T) {
		b := NewBreaker(0, time.Hour)
		for i := 0; i < 100; i++ {
			_ = b.Call(func() error { return testErr })
		}
		if b.State() != BreakerClosed {
			t.Fatalf("threshold<=0 不应熔断，实际: %v", b.State())
		}
	})

	t.Run("状态回调", func(t *testing.T) {
		b := NewBreaker(1, 10*time.Millisecond)
		var changes []string
		b.SetStateChangeCallback(func(from, to BreakerState) {
			changes = append(changes, from.String()+"->"+to.String())
		})

		_ = b.Call(func() error { return testErr })
		time.Sleep(20 * time.Millisecond)
		_ = b.Call(func() error { return nil })
		if b.State() != BreakerClosed {
			t.Fatalf("半开成功后应为closed，实际: %v", b.State())
		}
		want := []string{"closed->open", "open->half_open", "half_open->closed"}
		if len(changes) != len(want) {
			t.Fatalf("状态回调不符: %v", changes)
		}
		for i := range want {
			if changes[i] != want[i] {
				t.Fatalf("状态回调不符: %v", changes)
			}
		}
	})
}
