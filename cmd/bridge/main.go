package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/api"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/bridge"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/config"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/monitor"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/session"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/storage"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/transport"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configFile := flag.String("config", "configs/config.yaml", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本信息")
	port := flag.String("port", "", "采集器串口，覆盖配置文件")
	mode := flag.String("mode", "", "采集模式 normal|fast，覆盖配置文件")
	flag.Parse()

	// 显示版本
	if *showVersion {
		fmt.Printf("Labdisc Bridge v%s (Build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		cfg = config.GetDefaultConfig()
		fmt.Println("使用默认配置")
	}
	if *port != "" {
		cfg.Logger.Port = *port
	}
	if *mode != "" {
		cfg.Bridge.Mode = *mode
	}

	// 初始化日志
	log := setupLogger(cfg.Log)
	log.Infof("Labdisc Bridge v%s 启动中...", Version)
	log.Infof("配置文件: %s", *configFile)

	streamMode, err := session.ParseMode(cfg.Bridge.Mode)
	if err != nil {
		log.Fatalf("采集模式无效: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, streamMode, log); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	log.Info("已退出")
}

func run(ctx context.Context, cfg *config.Config, mode session.Mode, log *logrus.Logger) error {
	entry := logrus.NewEntry(log)

	dispatcher, err := setupSinks(ctx, cfg, entry)
	if err != nil {
		return err
	}
	dispatcher.Start(ctx)

	opener := transport.NewSerialOpener(transport.SerialOptions{
		Port:        cfg.Logger.Port,
		BaudRate:    cfg.Logger.BaudRate,
		ReadTimeout: cfg.Logger.ReadTimeout,
	}, entry)

	beacon := transport.NewBLEBeacon(transport.BLEOptions{
		Address:         cfg.Beacon.Address,
		NamePrefix:      cfg.Beacon.NamePrefix,
		ServiceUUID:     cfg.Beacon.ServiceUUID,
		WriteUUID:       cfg.Beacon.WriteUUID,
		NotifyUUID:      cfg.Beacon.NotifyUUID,
		ChunkSize:       cfg.Beacon.ChunkSize,
		WritesPerSecond: cfg.Beacon.WritesPerSecond,
		QueueSize:       cfg.Beacon.QueueSize,
		ScanTimeout:     cfg.Beacon.ScanTimeout,
	}, entry)

	b := bridge.New(opener, beacon, bridge.Options{
		Mode:       mode,
		AutoStream: cfg.Bridge.AutoStream,
		Session: session.Options{
			SettleDelay: cfg.Logger.SettleDelay,
			SyncClock:   cfg.Logger.SyncClock,
			ReadBuffer:  cfg.Logger.ReadBuffer,
			Catalog:     sensor.Default(),
		},
		Dispatcher: dispatcher,
	}, entry)

	// 监控和控制接口
	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.NewMonitor(log)

		hub := api.NewHub(entry.WithField("category", "ws"))
		level, err := logrus.ParseLevel(cfg.Monitor.WSLogLevel)
		if err != nil {
			level = logrus.InfoLevel
		}
		log.AddHook(api.NewLogHook(hub, level))

		srv := api.NewServer(b, hub, entry)
		srv.Register(mon.Handle)
		b.Observe(srv.Publish)

		mon.StartMetricsServer(cfg.Monitor.Port)
		mon.StartRuntimeMonitor(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	if cfg.Logger.AutoConnect {
		go func() {
			if err := b.ConnectLogger(ctx); err != nil {
				log.Errorf("连接采集器失败: %v", err)
			}
		}()
	}
	if cfg.Beacon.Enabled {
		go func() {
			if err := b.ConnectBeacon(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("连接信标失败: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("收到退出信号，正在关闭...")
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if mon != nil {
		if err := mon.Shutdown(shutdownCtx); err != nil {
			log.Warnf("关闭监控服务器失败: %v", err)
		}
	}
	return dispatcher.Close()
}

// setupSinks 按配置创建样本输出，单个输出失败只记录日志
func setupSinks(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*storage.Dispatcher, error) {
	var sinks []storage.Sink

	if cfg.Redis.Enabled {
		mq, err := storage.NewMessageQueue(ctx, storage.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			Channel:     cfg.Redis.Channel,
			HistorySize: cfg.Redis.HistorySize,
		}, log.WithField("category", "redis"))
		if err != nil {
			log.Warnf("Redis不可用，跳过: %v", err)
		} else {
			sinks = append(sinks, mq)
		}
	}

	if cfg.MQTT.Enabled {
		pub := storage.NewMQTTPublisher(storage.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, log.WithField("category", "mqtt"))
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := pub.Connect(connectCtx)
		cancel()
		if err != nil {
			// 客户端会在后台继续重连
			log.Warnf("MQTT首次连接失败: %v", err)
		}
		sinks = append(sinks, pub)
	}

	if cfg.Recorder.Enabled {
		rec, err := storage.OpenRecorder(cfg.Recorder.Path, log.WithField("category", "recorder"))
		if err != nil {
			return nil, fmt.Errorf("打开记录数据库失败: %w", err)
		}
		sinks = append(sinks, rec)
	}

	return storage.NewDispatcher(sinks, cfg.Bridge.SinkQueue, log), nil
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置输出
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("无法打开日志文件 %s，使用标准输出: %v", cfg.FilePath, err)
		}
	}

	return log
}
