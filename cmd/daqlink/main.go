package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/daqlink/internal/app"
	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
	"github.com/taoyao-code/daqlink/internal/health"
	"github.com/taoyao-code/daqlink/internal/httpserver"
	"github.com/taoyao-code/daqlink/internal/logging"
	"github.com/taoyao-code/daqlink/internal/metrics"
	"github.com/taoyao-code/daqlink/internal/migrate"
	"github.com/taoyao-code/daqlink/internal/protocol/frame"
	"github.com/taoyao-code/daqlink/internal/sink"
	"github.com/taoyao-code/daqlink/internal/storage/pg"
	"github.com/taoyao-code/daqlink/internal/stream"
	"github.com/taoyao-code/daqlink/internal/transport"
)

func main() {
	// 1) 加载配置
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	sm := metrics.NewStreamMetrics(reg)
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4) 连接设备并组装收发管道
	conn, err := transport.Dial(ctx, cfg.Device, log)
	if err != nil {
		log.Fatal("dial device failed", zap.Error(err))
	}
	link, err := app.NewLink(conn, cfg.Device.Name, cfg.Stream, log, sm)
	if err != nil {
		_ = conn.Close()
		log.Fatal("build link failed", zap.Error(err))
	}
	link.OnError(func(ev stream.ErrorEvent) {
		log.Warn("link read error", zap.Error(ev.Err))
	})

	agg := health.NewAggregator(health.NewLinkChecker(link))
	httpOpts := []httpserver.Option{httpserver.WithLogger(log), httpserver.WithLink(link), httpserver.WithHealth(agg)}

	// 5) 可选：Redis 转发
	var publisher *sink.Publisher
	if cfg.Redis.Enabled {
		rdb, err := sink.NewClient(cfg.Redis)
		if err != nil {
			log.Fatal("redis connect failed", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		publisher = sink.NewPublisher(rdb, cfg.Redis, link.Name(), log, sm)
		publisher.Start()
		link.OnMessage(publisher.Handle)
		link.AttachStats("redis", func() any { return publisher.Stats() })
		agg.AddChecker(health.NewRedisChecker(rdb))
		log.Info("redis sink enabled", zap.String("channel", cfg.Redis.Channel))
	}

	// 6) 可选：PostgreSQL 归档
	var archiver *pg.Archiver
	if cfg.Database.Enabled {
		pool, err := pg.NewPool(ctx, cfg.Database, log)
		if err != nil {
			log.Fatal("database connect failed", zap.Error(err))
		}
		defer pool.Close()
		applied, err := migrate.Runner{}.Up(ctx, pool)
		if err != nil {
			log.Fatal("database migrate failed", zap.Error(err))
		}
		log.Info("database migrated", zap.Int64s("applied", applied))

		archiver = pg.NewArchiver(pool, link.Name(), cfg.Database, log, sm)
		archiver.Start()
		link.OnMessage(archiver.Handle)
		link.AttachStats("postgres", func() any { return archiver.Stats() })
		agg.AddChecker(health.NewDatabaseChecker(pool))
		httpOpts = append(httpOpts, httpserver.WithCommandRecorder(func(ctx context.Context, cmd frame.Command) error {
			return archiver.LogCommand(ctx, cmd, "http")
		}))
	}

	// 7) HTTP 服务
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, link.Ready, httpOpts...)
	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
		}
	}()

	if err := link.Start(); err != nil {
		log.Fatal("link start failed", zap.Error(err))
	}

	// 8) 可选：连接后下发探测脚本
	if cfg.Device.ProbeFile != "" {
		probe, err := app.LoadProbeFile(cfg.Device.ProbeFile)
		if err != nil {
			log.Error("load probe failed", zap.String("file", cfg.Device.ProbeFile), zap.Error(err))
		} else {
			go func() {
				if err := probe.Run(ctx, link); err != nil {
					log.Warn("probe aborted", zap.Error(err))
					return
				}
				log.Info("probe sent", zap.Int("steps", len(probe.Steps)))
			}()
		}
	}

	// 信号处理，优雅关闭
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = link.Close()
	if publisher != nil {
		_ = publisher.Close(shutdownCtx)
	}
	if archiver != nil {
		_ = archiver.Close(shutdownCtx)
	}
}
