package sensor

import "sort"

// breakpoint 照度分段表: 原始阈值、物理值、局部斜率
type breakpoint struct {
	raw   uint16
	value float64
	slope float64
}

var illuminanceTable = []breakpoint{
	{0, 0, 0.05},
	{1000, 50, 0.0875},
	{5000, 400, 0.16},
	{15000, 2000, 0.5},
	{30000, 9500, 1.5},
	{45000, 32000, 4.0},
	{60000, 92000, 2.0},
}

// Illuminance 照度换算，0和65535为传感器未上电/饱和，返回0
func Illuminance(raw uint16) float64 {
	if raw == 0 || raw == 0xFFFF {
		return 0
	}
	bp := illuminanceTable[0]
	for _, b := range illuminanceTable {
		if b.raw > raw {
			break
		}
		bp = b
	}
	return bp.value + float64(raw-bp.raw)*bp.slope
}

// thermistorRow 热敏电阻表行，原始值随温度递减
type thermistorRow struct {
	raw   uint16
	temp  float64
	slope float64 // 与上一行之间每个原始单位对应的温度
}

// 10kΩ NTC + 10kΩ 上拉，16位ADC
var thermistorTable = buildThermistorTable([]struct {
	raw  uint16
	temp float64
}{
	{59411, -20},
	{55499, -10},
	{50168, 0},
	{43617, 10},
	{36395, 20},
	{32768, 25},
	{29248, 30},
	{22786, 40},
	{17347, 50},
	{13065, 60},
	{9761, 70},
	{7282, 80},
	{5466, 90},
	{4173, 100},
	{3180, 110},
})

func buildThermistorTable(points []struct {
	raw  uint16
	temp float64
}) []thermistorRow {
	sort.Slice(points, func(i, j int) bool { return points[i].raw > points[j].raw })
	rows := make([]thermistorRow, len(points))
	for i, p := range points {
		rows[i] = thermistorRow{raw: p.raw, temp: p.temp}
		if i > 0 {
			prev := points[i-1]
			rows[i].slope = (p.temp - prev.temp) / float64(prev.raw-p.raw)
		}
	}
	return rows
}

// ExternalTemperature 热敏电阻分段反查，超出表范围时钳位到两端温度
func ExternalTemperature(raw uint16) float64 {
	first, last := thermistorTable[0], thermistorTable[len(thermistorTable)-1]
	if raw >= first.raw {
		return first.temp
	}
	if raw <= last.raw {
		return last.temp
	}
	for i := 1; i < len(thermistorTable); i++ {
		row := thermistorTable[i]
		if row.raw <= raw {
			prev := thermistorTable[i-1]
			return prev.temp + float64(prev.raw-raw)*row.slope
		}
	}
	return last.temp
}

func scaled(div float64) func(uint16) float64 {
	return func(raw uint16) float64 { return float64(raw) / div }
}

func signedScaled(div float64) func(uint16) float64 {
	return func(raw uint16) float64 { return float64(int16(raw)) / div }
}

func builtinDescriptors() []Descriptor {
	return []Descriptor{
		{ID: 1, Name: "Ambient Temperature", Unit: "°C", Decimals: 1, WireFactor: 10, Signed: true, Convert: signedScaled(100)},
		{ID: 2, Name: "Barometer", Unit: "kPa", Decimals: 1, WireFactor: 10, Convert: scaled(100)},
		{ID: 3, Name: "Relative Humidity", Unit: "%", Decimals: 0, WireFactor: 1, Convert: scaled(100)},
		{ID: 4, Name: "Light", Unit: "lx", Decimals: 0, WireFactor: 1, Convert: Illuminance},
		{ID: 5, Name: "External Temperature", Unit: "°C", Decimals: 1, WireFactor: 10, Convert: ExternalTemperature},
		{ID: 6, Name: "pH", Unit: "pH", Decimals: 2, WireFactor: 100, Convert: scaled(1000)},
		{ID: GPSID, Name: "GPS", Unit: "°", Decimals: 5, Width: GPSExperimentWidth, WireFactor: 100000, MaxRateHz: 1},
		{ID: 8, Name: "Voltage", Unit: "V", Decimals: 2, WireFactor: 100, Signed: true, Convert: signedScaled(1000)},
		{ID: 9, Name: "Current", Unit: "A", Decimals: 3, WireFactor: 1000, Signed: true, Convert: signedScaled(10000)},
		{ID: 10, Name: "Sound Level", Unit: "dB", Decimals: 1, WireFactor: 10, Convert: scaled(10)},
		{ID: 11, Name: "Universal Input", Unit: "V", Decimals: 2, WireFactor: 100, Signed: true, Convert: signedScaled(1000)},
		{ID: 12, Name: "Distance", Unit: "m", Decimals: 2, WireFactor: 100, Convert: scaled(1000)},
		{ID: 13, Name: "Heart Rate", Unit: "bpm", Decimals: 0, WireFactor: 1, Convert: scaled(1)},
		{ID: 14, Name: "Gas Pressure", Unit: "kPa", Decimals: 1, WireFactor: 10, Convert: scaled(100)},
		{ID: 15, Name: "Dissolved Oxygen", Unit: "mg/L", Decimals: 2, WireFactor: 100, Convert: scaled(1000)},
		{ID: 16, Name: "Conductivity", Unit: "µS/cm", Decimals: 0, WireFactor: 1, Convert: scaled(1)},
		{ID: 20, Name: "Acceleration X", Unit: "g", Decimals: 2, WireFactor: 100, Signed: true, Convert: signedScaled(1000)},
		{ID: 21, Name: "Acceleration Y", Unit: "g", Decimals: 2, WireFactor: 100, Signed: true, Convert: signedScaled(1000)},
		{ID: 22, Name: "Acceleration Z", Unit: "g", Decimals: 2, WireFactor: 100, Signed: true, Convert: signedScaled(1000)},
		{ID: 25, Name: "Thermocouple", Unit: "°C", Decimals: 1, WireFactor: 10, Signed: true, Convert: signedScaled(10)},
		{ID: 40, Name: "UV Index", Unit: "UVI", Decimals: 1, WireFactor: 10, Convert: scaled(100)},
		{ID: 50, Name: "Microphone", Unit: "V", Decimals: 3, WireFactor: 1000, Signed: true, Convert: signedScaled(10000)},
	}
}
