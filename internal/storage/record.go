// Package storage 把解码后的采样分发到可选的外部存储: Redis、MQTT和本地SQLite。
package storage

import (
	"context"
	"time"

	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

// Record 一条采样记录
type Record struct {
	RunID    string                   `json:"run_id"`
	Time     time.Time                `json:"time"`
	Packet   uint64                   `json:"packet"`
	Kind     string                   `json:"kind"`
	Counter  uint16                   `json:"counter,omitempty"`
	Readings map[uint8]sensor.Reading `json:"readings"`
	Line     string                   `json:"line"`
}

// Sink 采样输出目标
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *Record) error
	Close() error
}

// BatchSink 支持一次写入多条记录的输出目标
type BatchSink interface {
	Sink
	WriteBatch(ctx context.Context, recs []*Record) error
}
