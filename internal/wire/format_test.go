package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

func reading(v float64) sensor.Reading {
	return sensor.Reading{Value: &v}
}

func TestLineOnlyAmbientTemperature(t *testing.T) {
	f := NewFormatter(nil)
	line := f.Line(sensor.Sample{1: reading(26.3)})

	assert.Equal(t, "263,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999,-9999\n", line)
	assert.Len(t, strings.Split(strings.TrimSuffix(line, "\n"), ","), len(Order))
}

func TestLineScalesAndRounds(t *testing.T) {
	f := NewFormatter(nil)
	sample := sensor.Sample{
		1:  reading(-5.26),
		3:  reading(45.5),
		2:  reading(101.325),
		8:  reading(3.3),
		9:  reading(-0.0125),
		22: reading(0.98),
	}

	values := f.Values(sample)
	require.Len(t, values, 13)
	assert.Equal(t, int64(-53), values[0])
	assert.Equal(t, int64(46), values[1])
	assert.Equal(t, int64(1013), values[2])
	assert.Equal(t, int64(330), values[6])
	assert.Equal(t, int64(-13), values[7])
	assert.Equal(t, int64(98), values[12])
}

func TestLineTreatsNoDataAsMissing(t *testing.T) {
	f := NewFormatter(nil)
	sample := sensor.Sample{
		1: {Raw: 0x8000, NoData: true},
		3: {Raw: 100},
	}
	for _, v := range f.Values(sample) {
		assert.Equal(t, int64(Missing), v)
	}
}

func TestRows(t *testing.T) {
	f := NewFormatter(nil)
	rows := f.Rows(sensor.Sample{1: reading(26.345), 6: reading(7)})
	require.Len(t, rows, len(Order))

	assert.Equal(t, Row{ID: 1, Name: "Ambient Temperature", Unit: "°C", Value: "26.3", HasData: true}, rows[0])
	assert.Equal(t, "Relative Humidity", rows[1].Name)
	assert.False(t, rows[1].HasData)
	assert.Equal(t, "--", rows[1].Value)

	for i, id := range Order {
		assert.Equal(t, id, rows[i].ID)
		if id == 6 {
			assert.Equal(t, "7.00", rows[i].Value)
		}
	}
}

func TestUnknownSensorInOrderIsMissing(t *testing.T) {
	f := NewFormatter(sensor.New([]sensor.Descriptor{
		{ID: 3, Name: "RH", Unit: "%", WireFactor: 1, Convert: func(raw uint16) float64 { return float64(raw) }},
	}))
	sample := sensor.Sample{1: reading(20), 3: reading(50)}

	values := f.Values(sample)
	assert.Equal(t, int64(Missing), values[0])
	assert.Equal(t, int64(50), values[1])

	rows := f.Rows(sample)
	assert.Equal(t, "Sensor 1", rows[0].Name)
	assert.False(t, rows[0].HasData)
}
