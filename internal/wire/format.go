// Package wire 把采样转换成发给信标的文本行和界面显示行。
package wire

import (
	"math"
	"strconv"
	"strings"

	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

// Missing 不可用位置的占位值
const Missing = -9999

// Order 固定的输出列顺序，与设备上报的传感器无关
var Order = []uint8{1, 3, 2, 4, 5, 10, 8, 9, 6, 12, 20, 21, 22}

// Row 界面显示行
type Row struct {
	ID      uint8  `json:"id"`
	Name    string `json:"name"`
	Unit    string `json:"unit"`
	Value   string `json:"value"`
	HasData bool   `json:"has_data"`
}

// Formatter 按目录把采样格式化
type Formatter struct {
	catalog *sensor.Catalog
}

func NewFormatter(catalog *sensor.Catalog) *Formatter {
	if catalog == nil {
		catalog = sensor.Default()
	}
	return &Formatter{catalog: catalog}
}

// Line 生成一行: 逗号分隔的定点整数，以换行结尾
func (f *Formatter) Line(sample sensor.Sample) string {
	var sb strings.Builder
	for i, id := range Order {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(f.fixedPoint(sample, id), 10))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// Values 与 Line 相同的列，整数形式
func (f *Formatter) Values(sample sensor.Sample) []int64 {
	out := make([]int64, len(Order))
	for i, id := range Order {
		out[i] = f.fixedPoint(sample, id)
	}
	return out
}

func (f *Formatter) fixedPoint(sample sensor.Sample, id uint8) int64 {
	d, ok := f.catalog.Lookup(id)
	if !ok {
		return Missing
	}
	v, ok := sample.Value(id)
	if !ok {
		return Missing
	}
	scaled := math.Round(v * d.WireFactor)
	if math.IsNaN(scaled) || math.IsInf(scaled, 0) || scaled > math.MaxInt32 || scaled < math.MinInt32 {
		return Missing
	}
	return int64(scaled)
}

// Rows 按固定顺序生成显示行，数值保留传感器配置的小数位
func (f *Formatter) Rows(sample sensor.Sample) []Row {
	rows := make([]Row, 0, len(Order))
	for _, id := range Order {
		row := Row{ID: id, Name: f.catalog.Name(id), Value: "--"}
		d, known := f.catalog.Lookup(id)
		if known {
			row.Unit = d.Unit
		}
		if v, ok := sample.Value(id); ok && known {
			row.Value = strconv.FormatFloat(v, 'f', d.Decimals, 64)
			row.HasData = true
		}
		rows = append(rows, row)
	}
	return rows
}
