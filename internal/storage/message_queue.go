package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisOptions Redis连接参数
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	Channel     string
	HistorySize int
}

// MessageQueue 通过Redis Pub/Sub发布采样，并在List中保留最近的记录
type MessageQueue struct {
	client  *redis.Client
	channel string
	history int64
	log     *logrus.Entry
}

func NewMessageQueue(ctx context.Context, opts RedisOptions, log *logrus.Entry) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info("Redis连接成功")

	history := int64(opts.HistorySize)
	if history <= 0 {
		history = 1000
	}
	return newMessageQueue(client, opts.Channel, history, log), nil
}

func newMessageQueue(client *redis.Client, channel string, history int64, log *logrus.Entry) *MessageQueue {
	return &MessageQueue{
		client:  client,
		channel: channel,
		history: history,
		log:     log,
	}
}

func (mq *MessageQueue) Name() string { return "redis" }

// HistoryKey 某次运行的历史记录List
func (mq *MessageQueue) HistoryKey(runID string) string {
	return fmt.Sprintf("%s:%s:history", mq.channel, runID)
}

// Write 发布一条记录
func (mq *MessageQueue) Write(ctx context.Context, rec *Record) error {
	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	// 发布到Redis Pub/Sub
	if err := mq.client.Publish(ctx, mq.channel, jsonData).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	// 同时保存到Redis List，只保留最近 history 条
	key := mq.HistoryKey(rec.RunID)
	pipe := mq.client.Pipeline()
	pipe.LPush(ctx, key, jsonData)
	pipe.LTrim(ctx, key, 0, mq.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		mq.log.Warnf("保存到List失败: %v", err)
	}

	return nil
}

// WriteBatch 在一个pipeline中发布多条记录并写入历史
func (mq *MessageQueue) WriteBatch(ctx context.Context, recs []*Record) error {
	pipe := mq.client.Pipeline()

	keys := make(map[string]struct{})
	for _, rec := range recs {
		jsonData, err := json.Marshal(rec)
		if err != nil {
			mq.log.Errorf("序列化数据失败: %v", err)
			continue
		}
		key := mq.HistoryKey(rec.RunID)
		pipe.Publish(ctx, mq.channel, jsonData)
		pipe.LPush(ctx, key, jsonData)
		keys[key] = struct{}{}
	}
	for key := range keys {
		pipe.LTrim(ctx, key, 0, mq.history-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("批量发布失败: %w", err)
	}
	return nil
}

// Recent 读取某次运行最近的n条记录，最新的在前
func (mq *MessageQueue) Recent(ctx context.Context, runID string, n int64) ([]*Record, error) {
	raw, err := mq.client.LRange(ctx, mq.HistoryKey(runID), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	recs := make([]*Record, 0, len(raw))
	for _, s := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("解析历史记录失败: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}
