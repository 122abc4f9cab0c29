package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Beacon   BeaconConfig   `yaml:"beacon"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Redis    RedisConfig    `yaml:"redis"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

// LoggerConfig 采集器串口
type LoggerConfig struct {
	// Port 为空时自动选择蓝牙串口
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	ReadBuffer  int           `yaml:"read_buffer"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	SyncClock   bool          `yaml:"sync_clock"`
	AutoConnect bool          `yaml:"auto_connect"`
}

// BeaconConfig 信标BLE UART
type BeaconConfig struct {
	Enabled         bool          `yaml:"enabled"`
	NamePrefix      string        `yaml:"name_prefix"`
	Address         string        `yaml:"address"`
	ServiceUUID     string        `yaml:"service_uuid"`
	WriteUUID       string        `yaml:"write_uuid"`
	NotifyUUID      string        `yaml:"notify_uuid"`
	ChunkSize       int           `yaml:"chunk_size"`
	WritesPerSecond float64       `yaml:"writes_per_second"`
	QueueSize       int           `yaml:"queue_size"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
}

type BridgeConfig struct {
	Mode       string `yaml:"mode"`
	AutoStream bool   `yaml:"auto_stream"`
	// SinkQueue 输出队列长度
	SinkQueue int `yaml:"sink_queue"`
}

type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	Channel     string `yaml:"channel"`
	HistorySize int    `yaml:"history_size"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	WSLogLevel string `yaml:"ws_log_level"`
}

// LoadConfig 加载配置文件，未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	return config, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	var errs []error

	if c.Logger.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("logger.baud_rate 必须为正数: %d", c.Logger.BaudRate))
	}
	if c.Logger.ReadBuffer <= 0 {
		errs = append(errs, fmt.Errorf("logger.read_buffer 必须为正数: %d", c.Logger.ReadBuffer))
	}
	if c.Logger.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("logger.settle_delay 不能为负: %s", c.Logger.SettleDelay))
	}
	if c.Beacon.Enabled {
		if c.Beacon.ChunkSize <= 0 || c.Beacon.ChunkSize > 244 {
			errs = append(errs, fmt.Errorf("beacon.chunk_size 超出范围: %d", c.Beacon.ChunkSize))
		}
		if c.Beacon.Address == "" && c.Beacon.NamePrefix == "" {
			errs = append(errs, errors.New("beacon.address 和 beacon.name_prefix 不能同时为空"))
		}
		if c.Beacon.QueueSize <= 0 {
			errs = append(errs, fmt.Errorf("beacon.queue_size 必须为正数: %d", c.Beacon.QueueSize))
		}
	}
	switch c.Bridge.Mode {
	case "normal", "fast":
	default:
		errs = append(errs, fmt.Errorf("bridge.mode 只能是 normal 或 fast: %q", c.Bridge.Mode))
	}
	if c.MQTT.Enabled && (c.MQTT.Port <= 0 || c.MQTT.Port > 65535) {
		errs = append(errs, fmt.Errorf("mqtt.port 超出范围: %d", c.MQTT.Port))
	}
	if c.Recorder.Enabled && c.Recorder.Path == "" {
		errs = append(errs, errors.New("recorder.path 不能为空"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logrus.ParseLevel(c.Monitor.WSLogLevel); err != nil {
		errs = append(errs, fmt.Errorf("monitor.ws_log_level: %w", err))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		errs = append(errs, fmt.Errorf("monitor.port 超出范围: %d", c.Monitor.Port))
	}
	return errors.Join(errs...)
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			BaudRate:    9600,
			ReadTimeout: 500 * time.Millisecond,
			ReadBuffer:  256,
			SettleDelay: 300 * time.Millisecond,
			SyncClock:   true,
			AutoConnect: true,
		},
		Beacon: BeaconConfig{
			Enabled:         true,
			NamePrefix:      "BBC micro:bit",
			ServiceUUID:     "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
			WriteUUID:       "6E400003-B5A3-F393-E0A9-E50E24DCCA9E",
			NotifyUUID:      "6E400002-B5A3-F393-E0A9-E50E24DCCA9E",
			ChunkSize:       20,
			WritesPerSecond: 50,
			QueueSize:       64,
			ScanTimeout:     30 * time.Second,
		},
		Bridge: BridgeConfig{
			Mode:       "normal",
			AutoStream: true,
			SinkQueue:  256,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			Channel:     "labdisc_samples",
			HistorySize: 1000,
		},
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "labdisc-bridge",
			TopicPrefix: "labdisc",
		},
		Recorder: RecorderConfig{
			Path: "data/samples.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			Port:       9090,
			WSLogLevel: "info",
		},
	}
}
