package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 连接指标
	LoggerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "labdisc_logger_state",
		Help: "数据采集器连接状态 (0=断开 1=连接中 2=已连接 3=采集中)",
	})

	BeaconConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "labdisc_beacon_connected",
		Help: "信标是否已连接",
	})

	// 数据指标
	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdisc_bytes_received_total",
		Help: "从采集器接收的字节总数",
	})

	PacketsParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labdisc_packets_parsed_total",
			Help: "按类型统计的有效数据包数",
		},
		[]string{"type"},
	)

	ChecksumFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdisc_checksum_failures_total",
		Help: "校验失败的候选包数",
	})

	ResyncBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdisc_resync_dropped_bytes_total",
		Help: "重新同步时丢弃的字节数",
	})

	// 输出指标
	LinesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdisc_wire_lines_sent_total",
		Help: "发送到信标的数据行数",
	})

	SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdisc_wire_send_errors_total",
		Help: "发送到信标失败次数",
	})

	SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labdisc_sink_errors_total",
			Help: "样本输出失败次数",
		},
		[]string{"sink"},
	)

	SinkDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdisc_sink_dropped_total",
		Help: "队列已满被丢弃的样本数",
	})

	// 会话指标
	HandshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "labdisc_handshake_duration_seconds",
		Help:    "启动采集握手耗时",
		Buckets: prometheus.DefBuckets,
	})

	AutoRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "labdisc_auto_restarts_total",
		Help: "设备采样数耗尽后自动重启采集次数",
	})

	// Goroutine指标
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "labdisc_goroutines",
		Help: "当前Goroutine数量",
	})

	// 内存指标
	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "labdisc_memory_usage_bytes",
		Help: "内存使用量",
	})
)

type Monitor struct {
	log    *logrus.Logger
	mux    *http.ServeMux
	server *http.Server
}

func NewMonitor(log *logrus.Logger) *Monitor {
	// 注册指标
	prometheus.MustRegister(
		LoggerState,
		BeaconConnected,
		BytesReceived,
		PacketsParsed,
		ChecksumFailures,
		ResyncBytes,
		LinesSent,
		SendErrors,
		SinkErrors,
		SinkDropped,
		HandshakeDuration,
		AutoRestarts,
		GoroutineCount,
		MemoryUsage,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// 健康检查端点
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Monitor{log: log, mux: mux}
}

// Handle 在监控服务器上挂载额外的处理器
func (m *Monitor) Handle(pattern string, handler http.Handler) {
	m.mux.Handle(pattern, handler)
}

// StartMetricsServer 启动Metrics HTTP服务器
func (m *Monitor) StartMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.log.Infof("Metrics服务器启动: %s", addr)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()
}

// Shutdown 关闭HTTP服务器
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// StartRuntimeMonitor 启动运行时监控
func (m *Monitor) StartRuntimeMonitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			// 更新Goroutine数量
			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			// 更新内存使用
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}
