package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/daqlink/internal/protocol/scpi"
	"github.com/taoyao-code/daqlink/internal/protocol/telemetry"
)

// recordingWriter 记录每次写入；fail 返回 true 时该次写入失败
type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	calls  int
	fail   func(call int) bool
	gate   chan struct{} // 非 nil 时每次写入前等待放行
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail != nil && w.fail(w.calls) {
		return 0, errors.New("link down")
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *recordingWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.writes))
	for _, b := range w.writes {
		out = append(out, string(b))
	}
	return out
}

// syncBuffer 并发安全的 bytes.Buffer
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProducer_FIFO(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducer(w)
	require.NoError(t, p.Start())
	defer p.Close()

	want := make([]string, 0, 200)
	for i := 1; i <= 200; i++ {
		cmd := scpi.NewCommand(fmt.Sprintf("CMD %d", i))
		require.NoError(t, p.Send(cmd))
		want = append(want, cmd.Text+"\r\n")
	}
	require.True(t, p.StopSafely(2*time.Second))
	assert.Equal(t, want, w.lines())
	assert.Equal(t, uint64(200), p.Stats().Written)
}

func TestProducer_ConcurrentSenders(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducer(w)
	require.NoError(t, p.Start())

	const senders, per = 8, 50
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				assert.NoError(t, p.Send(scpi.NewCommand(fmt.Sprintf("S%d:%03d", s, i))))
			}
		}(s)
	}
	wg.Wait()
	require.True(t, p.StopSafely(2*time.Second))

	lines := w.lines()
	require.Len(t, lines, senders*per)
	// 每个发送方内部保持顺序
	last := map[byte]string{}
	for _, l := range lines {
		key := l[1]
		assert.Less(t, last[key], l)
		last[key] = l
	}
}

func TestProducer_ScenarioD(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducer(w, WithInterval(50*time.Millisecond))
	require.NoError(t, p.Start())

	require.NoError(t, p.Send(scpi.NewCommand("*RST")))
	require.NoError(t, p.Send(scpi.NewCommand("*IDN?")))
	require.NoError(t, p.Send(telemetry.NewCommand(&telemetry.Sample{Timestamp: 1000, DeviceStatus: 1})))

	assert.True(t, p.StopSafely(5*time.Second))
	lines := w.lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "*RST\r\n", lines[0])
	assert.Equal(t, "*IDN?\r\n", lines[1])
	assert.Equal(t, string(recA), lines[2])
	assert.Equal(t, StateStopped, p.State())
}

func TestProducer_ContractErrors(t *testing.T) {
	p := NewProducer(&recordingWriter{})

	assert.ErrorIs(t, p.Send(scpi.NewCommand("*IDN?")), ErrNotRunning)
	assert.ErrorIs(t, p.Send(nil), ErrNilCommand)

	require.NoError(t, p.Start())
	require.NoError(t, p.Start(), "重复启动应为空操作")
	assert.True(t, p.IsRunning())

	p.Stop()
	assert.False(t, p.IsRunning())
	assert.ErrorIs(t, p.Send(scpi.NewCommand("*IDN?")), ErrNotRunning)
	assert.ErrorIs(t, p.Start(), ErrStopped)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Send(scpi.NewCommand("*IDN?")), ErrDisposed)
	assert.ErrorIs(t, p.Start(), ErrDisposed)
}

func TestProducer_WriteFailureSwallowed(t *testing.T) {
	w := &recordingWriter{fail: func(call int) bool { return call == 2 }}
	p := NewProducer(w)
	require.NoError(t, p.Start())

	for _, s := range []string{"A", "B", "C"} {
		require.NoError(t, p.Send(scpi.NewCommand(s)))
	}
	require.True(t, p.StopSafely(2*time.Second))

	assert.Equal(t, []string{"A\r\n", "C\r\n"}, w.lines())
	st := p.Stats()
	assert.Equal(t, uint64(2), st.Written)
	assert.Equal(t, uint64(1), st.Failed)
}

func TestProducer_SerializeFailureSwallowed(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducer(w)
	require.NoError(t, p.Start())

	require.NoError(t, p.Send(scpi.NewCommand("BAD\r\nCMD")))
	require.NoError(t, p.Send(&telemetry.Command{}))
	var nilCmd *scpi.Command
	require.NoError(t, p.Send(nilCmd))
	require.NoError(t, p.Send(scpi.NewCommand("GOOD")))
	require.True(t, p.StopSafely(2*time.Second))

	assert.Equal(t, []string{"GOOD\r\n"}, w.lines())
	assert.Equal(t, uint64(3), p.Stats().Failed)
}

func TestProducer_Breaker(t *testing.T) {
	w := &recordingWriter{fail: func(int) bool { return true }}
	p := NewProducer(w, WithBreaker(NewBreaker(2, time.Hour)))
	require.NoError(t, p.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Send(scpi.NewCommand("X")))
	}
	require.True(t, p.StopSafely(2*time.Second))

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, uint64(3), st.Dropped)
	assert.Equal(t, "open", st.Breaker)
	assert.Equal(t, int64(1), st.Trips)
	w.mu.Lock()
	assert.Equal(t, 2, w.calls, "熔断打开后不应再触达传输层")
	w.mu.Unlock()
}

func TestProducer_StopPurgesQueue(t *testing.T) {
	w := &recordingWriter{gate: make(chan struct{})}
	p := NewProducer(w, WithProducerStopTimeout(30*time.Millisecond))
	require.NoError(t, p.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Send(scpi.NewCommand(fmt.Sprintf("C%d", i))))
	}
	// 写协程卡在第一条指令上
	time.Sleep(20 * time.Millisecond)

	p.Stop()
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 0, p.QueuedCount())

	close(w.gate)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(w.lines()), 1)
}

func TestProducer_StopSafelyTimeout(t *testing.T) {
	w := &recordingWriter{gate: make(chan struct{})}
	p := NewProducer(w)
	require.NoError(t, p.Start())

	require.NoError(t, p.Send(scpi.NewCommand("SLOW")))
	require.NoError(t, p.Send(scpi.NewCommand("NEVER")))

	assert.False(t, p.StopSafely(30*time.Millisecond))
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 0, p.QueuedCount())
	close(w.gate)
}

func TestProducer_Flush(t *testing.T) {
	var sink syncBuffer
	bw := bufio.NewWriterSize(&sink, 4096)
	p := NewProducer(bw)
	require.NoError(t, p.Start())

	require.NoError(t, p.Send(scpi.NewCommand("*IDN?")))
	require.True(t, p.StopSafely(2*time.Second))
	assert.Equal(t, "*IDN?\r\n", sink.String())
}

func TestProducer_MissingWriter(t *testing.T) {
	assert.Error(t, NewProducer(nil).Start())
}
