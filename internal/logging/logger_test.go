package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		" warn ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(cfgpkg.LoggingConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))

	log.Debug("dropped")
	log.Info("consumer started", zap.String("link", "daq-0"))
	require.NoError(t, log.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "debug 级别应被过滤")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "consumer started", entry["msg"])
	assert.Equal(t, "daq-0", entry["link"])
	assert.Contains(t, entry, "ts")
	assert.Contains(t, entry, "caller")
}

func TestInitLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daqlink.log")
	log, err := InitLogger(cfgpkg.LoggingConfig{
		Level:  "debug",
		Format: "console",
		File:   cfgpkg.LumberjackConfig{Filename: path, MaxSizeMB: 1, MaxBackups: 1},
	})
	require.NoError(t, err)

	log.Debug("producer queue purged", zap.Int("commands", 3))
	_ = log.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "producer queue purged")
}
