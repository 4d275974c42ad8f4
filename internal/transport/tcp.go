package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
)

const defaultDialTimeout = 5 * time.Second

// Dial 建立到采集设备的 TCP 连接，不做重试。
// 连接开启 keepalive 与 TCP_NODELAY，指令写入后立即下发。
func Dial(ctx context.Context, cfg cfgpkg.DeviceConfig, log *zap.Logger) (net.Conn, error) {
	if cfg.Addr == "" {
		return nil, errors.New("transport: empty device address")
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	d := net.Dialer{Timeout: timeout, KeepAlive: cfg.KeepAlive}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	log.Info("device connected",
		zap.String("device", cfg.Name),
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Duration("took", time.Since(start)))
	return conn, nil
}
