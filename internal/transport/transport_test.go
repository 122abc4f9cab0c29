package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/session"
)

func testEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestFragment(t *testing.T) {
	line := "263,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999\n"
	chunks := Fragment(line, 20)

	var rebuilt strings.Builder
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 20)
		if i < len(chunks)-1 {
			assert.Len(t, c, 20)
		}
		rebuilt.Write(c)
	}
	assert.Equal(t, line, rebuilt.String())
	assert.Len(t, chunks, (len(line)+19)/20)

	assert.Empty(t, Fragment("", 20))
	assert.Equal(t, [][]byte{[]byte("ab")}, Fragment("ab", 0))
}

func TestLineAssembler(t *testing.T) {
	a := &lineAssembler{max: 8}

	assert.Empty(t, a.Push([]byte("hel")))
	assert.Equal(t, []string{"hello"}, a.Push([]byte("lo\r\nwo")))
	assert.Equal(t, []string{"world", ""}, a.Push([]byte("rld\n\n")))

	// 超长且无换行时整体吐出
	assert.Equal(t, []string{"123456789"}, a.Push([]byte("123456789")))
	assert.Empty(t, a.buf)
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
	fail   bool
}

func (r *chunkRecorder) write(c []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gatt write failed")
	}
	r.chunks = append(r.chunks, string(c))
	return nil
}

func (r *chunkRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func TestTxQueueWritesLinesInOrder(t *testing.T) {
	rec := &chunkRecorder{}
	q := newTxQueue(4, 5, 0, rec.write, testEntry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.run(ctx)

	require.NoError(t, q.enqueue("1,2,3\n"))
	require.NoError(t, q.enqueue("44,55,66\n"))

	require.Eventually(t, func() bool { return rec.joined() == "1,2,3\n44,55,66\n" }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	for _, c := range rec.chunks {
		assert.LessOrEqual(t, len(c), 5)
	}
	rec.mu.Unlock()
}

func TestTxQueueFull(t *testing.T) {
	q := newTxQueue(1, 20, 0, (&chunkRecorder{}).write, testEntry())
	require.NoError(t, q.enqueue("a\n"))
	assert.ErrorIs(t, q.enqueue("b\n"), ErrQueueFull)
}

func TestTxQueueWriteFailureAbandonsLine(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rec := &chunkRecorder{fail: true}
	q := newTxQueue(2, 2, 0, rec.write, logrus.NewEntry(logger))

	q.send(context.Background(), "abcdef")
	assert.Empty(t, rec.joined())
	require.Len(t, hook.AllEntries(), 1, "one warning per failed line")
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestTxQueuePacing(t *testing.T) {
	rec := &chunkRecorder{}
	q := newTxQueue(1, 1, 100, rec.write, testEntry())

	start := time.Now()
	q.send(context.Background(), "abcde")
	// 突发为1，之后每10ms一块
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Equal(t, "abcde", rec.joined())
}

func TestBeaconSendRequiresConnection(t *testing.T) {
	b := NewBLEBeacon(BLEOptions{NamePrefix: "BBC micro:bit"}, testEntry())
	assert.False(t, b.Connected())
	assert.ErrorIs(t, b.Send("1\n"), ErrBeaconNotConnected)
	assert.NoError(t, b.Disconnect())
}

func TestBeaconMatching(t *testing.T) {
	byName := NewBLEBeacon(BLEOptions{NamePrefix: "BBC micro:bit"}, testEntry())
	assert.True(t, byName.matches("AA:BB", "BBC micro:bit [zotuv]"))
	assert.False(t, byName.matches("AA:BB", "Other"))
	assert.False(t, byName.matches("AA:BB", ""))

	byAddr := NewBLEBeacon(BLEOptions{Address: "aa:bb:cc:dd:ee:ff", NamePrefix: "BBC"}, testEntry())
	assert.True(t, byAddr.matches("AA:BB:CC:DD:EE:FF", ""))
	assert.False(t, byAddr.matches("11:22:33:44:55:66", "BBC micro:bit"))
}

func TestSerialOpenerAutoDetect(t *testing.T) {
	o := NewSerialOpener(SerialOptions{}, testEntry())
	o.list = func() ([]string, error) { return []string{"/dev/ttyS0", "/dev/rfcomm0", "/dev/rfcomm1"}, nil }

	var opened string
	o.open = func(path string, mode *serial.Mode) (serial.Port, error) {
		opened = path
		assert.Equal(t, 9600, mode.BaudRate)
		assert.Equal(t, 8, mode.DataBits)
		return nil, errors.New("busy")
	}

	_, err := o.Open(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "/dev/rfcomm0", opened)
}

func TestSerialOpenerNoPort(t *testing.T) {
	o := NewSerialOpener(SerialOptions{}, testEntry())
	o.list = func() ([]string, error) { return []string{"/dev/ttyS0"}, nil }

	_, err := o.Open(context.Background())
	assert.ErrorIs(t, err, ErrNoPort)
}

func TestSerialOpenerCancelled(t *testing.T) {
	o := NewSerialOpener(SerialOptions{Port: "/dev/rfcomm0"}, testEntry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Open(ctx)
	assert.ErrorIs(t, err, session.ErrPortSelectionCancelled)
}
