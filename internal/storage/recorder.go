package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id   TEXT    NOT NULL,
	ts_ms    INTEGER NOT NULL,
	packet   INTEGER NOT NULL,
	kind     TEXT    NOT NULL,
	counter  INTEGER NOT NULL,
	line     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id, packet);
CREATE TABLE IF NOT EXISTS readings (
	sample_id INTEGER NOT NULL REFERENCES samples(id) ON DELETE CASCADE,
	sensor_id INTEGER NOT NULL,
	raw       INTEGER NOT NULL,
	value     REAL,
	no_data   INTEGER NOT NULL,
	PRIMARY KEY (sample_id, sensor_id)
);`

// Recorder 本地SQLite记录
type Recorder struct {
	db  *sql.DB
	log *logrus.Entry
}

// OpenRecorder 打开或创建数据库；path为":memory:"时使用内存库
func OpenRecorder(path string, log *logrus.Entry) (*Recorder, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 内存库每个连接都是独立的数据库
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库不可用: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	log.Infof("采样记录数据库: %s", path)
	return &Recorder{db: db, log: log}, nil
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建目录 %s 失败: %w", dir, err)
		}
	}
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", nil
}

func (r *Recorder) Name() string { return "sqlite" }

// Write 在一个事务中写入采样及其读数
func (r *Recorder) Write(ctx context.Context, rec *Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO samples (run_id, ts_ms, packet, kind, counter, line) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Time.UnixMilli(), rec.Packet, rec.Kind, rec.Counter, rec.Line)
	if err != nil {
		return fmt.Errorf("写入采样失败: %w", err)
	}
	sampleID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (sample_id, sensor_id, raw, value, no_data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, reading := range rec.Readings {
		var value sql.NullFloat64
		if reading.HasValue() {
			value = sql.NullFloat64{Float64: *reading.Value, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, sampleID, id, reading.Raw, value, reading.NoData); err != nil {
			return fmt.Errorf("写入读数失败: %w", err)
		}
	}
	return tx.Commit()
}

// StoredReading 查询结果
type StoredReading struct {
	Packet   uint64
	Time     time.Time
	SensorID uint8
	Raw      uint16
	Value    *float64
	NoData   bool
}

// Readings 按包序号返回某次运行中某个传感器的读数
func (r *Recorder) Readings(ctx context.Context, runID string, sensorID uint8) ([]StoredReading, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.packet, s.ts_ms, r.raw, r.value, r.no_data
		FROM readings r JOIN samples s ON s.id = r.sample_id
		WHERE s.run_id = ? AND r.sensor_id = ?
		ORDER BY s.packet`, runID, sensorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		var (
			sr    StoredReading
			ts    int64
			value sql.NullFloat64
		)
		if err := rows.Scan(&sr.Packet, &ts, &sr.Raw, &value, &sr.NoData); err != nil {
			return nil, err
		}
		sr.SensorID = sensorID
		sr.Time = time.UnixMilli(ts)
		if value.Valid {
			v := value.Float64
			sr.Value = &v
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Count 某次运行的采样条数
func (r *Recorder) Count(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func (r *Recorder) Close() error {
	return r.db.Close()
}
