package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTOptions MQTT连接参数
type MQTTOptions struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// MQTTPublisher 把采样发布到 <prefix>/<run>/samples，行文本发布到 <prefix>/<run>/line
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	log    *logrus.Entry

	mu        sync.RWMutex
	connected bool
}

func NewMQTTPublisher(opts MQTTOptions, log *logrus.Entry) *MQTTPublisher {
	p := &MQTTPublisher{prefix: opts.TopicPrefix, log: log}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	co.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		log.Infof("MQTT已连接: %s:%d", opts.Broker, opts.Port)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		log.Warnf("MQTT连接断开: %v", err)
	})

	p.client = mqtt.NewClient(co)
	return p
}

// Connect 等待首次连接完成
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("连接MQTT失败: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

// Topic 某次运行的主题
func (p *MQTTPublisher) Topic(runID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, runID, leaf)
}

func (p *MQTTPublisher) Write(ctx context.Context, rec *Record) error {
	if !p.isConnected() {
		return fmt.Errorf("MQTT未连接")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}
	if err := p.publish(ctx, p.Topic(rec.RunID, "samples"), data); err != nil {
		return err
	}
	return p.publish(ctx, p.Topic(rec.RunID, "line"), []byte(rec.Line))
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, payload []byte) error {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("发布超时: %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("发布 %s 失败: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	p.setConnected(false)
	return nil
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.client.IsConnected()
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
