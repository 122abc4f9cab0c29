package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

func testEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func value(v float64) *float64 { return &v }

func sampleRecord(run string, packet uint64) *Record {
	return &Record{
		RunID:  run,
		Time:   time.UnixMilli(1_700_000_000_000 + int64(packet)),
		Packet: packet,
		Kind:   "online_data",
		Readings: map[uint8]sensor.Reading{
			1: {Raw: 2630, Value: value(26.3)},
			8: {Raw: 0x8000, NoData: true},
		},
		Line: "263,-9999\n",
	}
}

func TestRecordJSON(t *testing.T) {
	data, err := json.Marshal(sampleRecord("r1", 3))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	readings := decoded["readings"].(map[string]any)
	assert.Contains(t, readings, "1")
	assert.Equal(t, true, readings["8"].(map[string]any)["no_data"])
	assert.Nil(t, readings["8"].(map[string]any)["value"])
}

func TestRecorderRoundTrip(t *testing.T) {
	rec, err := OpenRecorder(":memory:", testEntry())
	require.NoError(t, err)
	defer rec.Close()

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, rec.Write(ctx, sampleRecord("run-a", i)))
	}
	require.NoError(t, rec.Write(ctx, sampleRecord("run-b", 1)))

	n, err := rec.Count(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	temps, err := rec.Readings(ctx, "run-a", 1)
	require.NoError(t, err)
	require.Len(t, temps, 3)
	assert.Equal(t, uint64(1), temps[0].Packet)
	assert.Equal(t, uint16(2630), temps[0].Raw)
	require.NotNil(t, temps[0].Value)
	assert.InDelta(t, 26.3, *temps[0].Value, 1e-9)
	assert.Equal(t, time.UnixMilli(1_700_000_000_001), temps[0].Time)

	volts, err := rec.Readings(ctx, "run-a", 8)
	require.NoError(t, err)
	require.Len(t, volts, 3)
	assert.True(t, volts[0].NoData)
	assert.Nil(t, volts[0].Value)
}

type fakeSink struct {
	name string
	err  error

	mu     sync.Mutex
	got    []*Record
	closed bool
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Write(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, rec)
	return f.err
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestDispatcherFansOut(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	failing := &fakeSink{name: "bad", err: errors.New("down")}
	logger, hook := test.NewNullLogger()
	d := NewDispatcher([]Sink{ok, failing}, 8, logrus.NewEntry(logger))

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	for i := uint64(1); i <= 3; i++ {
		assert.True(t, d.Submit(sampleRecord("r", i)))
	}
	require.Eventually(t, func() bool { return ok.count() == 3 && failing.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, hook.AllEntries())

	cancel()
	require.NoError(t, d.Close())
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &fakeSink{name: "s"}
	d := NewDispatcher([]Sink{sink}, 2, testEntry())

	assert.True(t, d.Submit(sampleRecord("r", 1)))
	assert.True(t, d.Submit(sampleRecord("r", 2)))
	assert.False(t, d.Submit(sampleRecord("r", 3)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx)
	require.NoError(t, d.Close())
	assert.Equal(t, 2, sink.count(), "queued records are drained on shutdown")
}

type batchSink struct {
	fakeSink
	batches [][]*Record
}

func (b *batchSink) WriteBatch(_ context.Context, recs []*Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, recs)
	return nil
}

func TestDispatcherDrainsInBatches(t *testing.T) {
	plain := &fakeSink{name: "plain"}
	batched := &batchSink{fakeSink: fakeSink{name: "batched"}}
	d := NewDispatcher([]Sink{plain, batched}, 8, testEntry())

	for i := uint64(1); i <= 3; i++ {
		require.True(t, d.Submit(sampleRecord("r", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx)
	require.NoError(t, d.Close())

	assert.Equal(t, 3, plain.count())
	assert.Zero(t, batched.count(), "batch sinks skip per-record writes on drain")
	require.Len(t, batched.batches, 1)
	require.Len(t, batched.batches[0], 3)
	assert.Equal(t, uint64(3), batched.batches[0][2].Packet)
	assert.True(t, batched.closed)
}

func TestDispatcherCloseWaitsForConsumer(t *testing.T) {
	sink := &fakeSink{name: "s"}
	d := NewDispatcher([]Sink{sink}, 4, testEntry())

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	require.True(t, d.Submit(sampleRecord("r", 1)))
	cancel()

	// Close 紧跟在 Start 之后也必须等消费者写完
	require.NoError(t, d.Close())
	assert.Equal(t, 1, sink.count())
	assert.True(t, sink.closed)
}

func TestDispatcherWithoutSinks(t *testing.T) {
	d := NewDispatcher(nil, 4, testEntry())
	assert.False(t, d.Enabled())
	assert.False(t, d.Submit(sampleRecord("r", 1)))
}

func TestMQTTTopics(t *testing.T) {
	p := NewMQTTPublisher(MQTTOptions{Broker: "localhost", Port: 1883, ClientID: "t", TopicPrefix: "labdisc"}, testEntry())
	assert.Equal(t, "labdisc/run-1/samples", p.Topic("run-1", "samples"))
	assert.Error(t, p.Write(context.Background(), sampleRecord("run-1", 1)), "not connected")
}

// 需要本地Redis: LABDISC_TEST_REDIS=localhost:6379
func TestMessageQueueHistory(t *testing.T) {
	addr := os.Getenv("LABDISC_TEST_REDIS")
	if addr == "" {
		t.Skip("LABDISC_TEST_REDIS not set")
	}
	ctx := context.Background()
	mq, err := NewMessageQueue(ctx, RedisOptions{Addr: addr, Channel: "labdisc_test", HistorySize: 2}, testEntry())
	require.NoError(t, err)
	defer mq.Close()

	run := time.Now().Format("150405.000000")
	defer mq.client.Del(ctx, mq.HistoryKey(run))

	sub := mq.client.Subscribe(ctx, "labdisc_test")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, mq.Write(ctx, sampleRecord(run, i)))
	}

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var first Record
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &first))
	assert.Equal(t, uint64(1), first.Packet)

	recent, err := mq.Recent(ctx, run, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(3), recent[0].Packet)

	require.NoError(t, mq.WriteBatch(ctx, []*Record{sampleRecord(run, 4), sampleRecord(run, 5)}))
	recent, err = mq.Recent(ctx, run, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2, "batch writes honour the history bound")
	assert.Equal(t, uint64(5), recent[0].Packet)
	assert.Equal(t, uint64(4), recent[1].Packet)
}
