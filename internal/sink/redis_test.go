package sink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
	"github.com/taoyao-code/daqlink/internal/protocol/telemetry"
)

// fakeClient 记录发布内容，fail 非 nil 时发布失败
type fakeClient struct {
	mu       sync.Mutex
	channel  string
	messages [][]byte
	fail     error
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.fail != nil {
		cmd.SetErr(f.fail)
		return cmd
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.messages = append(f.messages, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeClient) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

func TestEncode(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("文本", func(t *testing.T) {
		b, err := Encode("daq-0", frame.Message{Payload: frame.Text("*IDN?"), Raw: []byte("*IDN?\r\n"), Timestamp: ts})
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		assert.Equal(t, "daq-0", env.Link)
		assert.Equal(t, frame.KindText, env.Kind)
		assert.Equal(t, "*IDN?", env.Text)
		assert.Empty(t, env.Record)
		assert.Equal(t, hex.EncodeToString([]byte("*IDN?\r\n")), env.Raw)
		assert.True(t, ts.Equal(env.TS))
	})

	t.Run("二进制", func(t *testing.T) {
		rec := (&telemetry.Sample{Timestamp: 2, AnalogIn: []int32{1, -1}}).Record()
		raw := []byte{0x06, 0x08, 0x02, 0x12, 0x02, 0x02, 0x01}
		b, err := Encode("daq-0", frame.Message{Payload: frame.Binary{Record: rec}, Raw: raw, Timestamp: ts})
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		assert.Equal(t, frame.KindBinary, env.Kind)
		assert.Equal(t, "06080212020201", env.Raw)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(env.Record, &doc))
		assert.EqualValues(t, 2, doc["msgTimeStamp"])
		assert.Equal(t, []any{float64(1), float64(-1)}, doc["analogInData"])
	})

	t.Run("非法消息", func(t *testing.T) {
		_, err := Encode("daq-0", frame.Message{Payload: frame.Binary{}})
		assert.Error(t, err)
		_, err = Encode("daq-0", frame.Message{})
		assert.Error(t, err)
	})
}

func TestPublisher(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, cfgpkg.RedisConfig{Channel: "lab:daq"}, "daq-0", nil, nil)
	p.Start()

	p.Handle(frame.Message{Payload: frame.Text("A"), Raw: []byte("A\r\n")})
	p.Handle(frame.Message{Payload: frame.Text("B"), Raw: []byte("B\r\n")})
	require.NoError(t, p.Close(context.Background()))

	msgs := client.received()
	require.Len(t, msgs, 2)
	assert.Equal(t, "lab:daq", client.channel)
	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[1], &env))
	assert.Equal(t, "B", env.Text)
	assert.Equal(t, uint64(2), p.Stats().Published)

	p.Handle(frame.Message{Payload: frame.Text("late")})
	assert.Len(t, client.received(), 2)
	assert.NoError(t, p.Close(context.Background()))
}

func TestPublisher_Failures(t *testing.T) {
	client := &fakeClient{fail: errors.New("redis down")}
	p := NewPublisher(client, cfgpkg.RedisConfig{Channel: "lab:daq"}, "daq-0", nil, nil)
	p.Start()

	p.Handle(frame.Message{Payload: frame.Text("A")})
	p.Handle(frame.Message{Payload: frame.Binary{}})
	require.NoError(t, p.Close(context.Background()))

	st := p.Stats()
	assert.Equal(t, uint64(0), st.Published)
	assert.Equal(t, uint64(2), st.Failed)
}

func TestPublisher_DropWhenFull(t *testing.T) {
	p := NewPublisher(&fakeClient{}, cfgpkg.RedisConfig{Channel: "c", BufferSize: 2}, "daq-0", nil, nil)
	for i := 0; i < 5; i++ {
		p.Handle(frame.Message{Payload: frame.Text("X")})
	}
	assert.Equal(t, uint64(3), p.Stats().Dropped)
}

func TestNewClient_Disabled(t *testing.T) {
	_, err := NewClient(cfgpkg.RedisConfig{Enabled: false})
	assert.Error(t, err)
}
