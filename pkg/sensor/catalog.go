// Package sensor 传感器目录: 描述符、原始值到物理量的换算以及GPS坐标解码。
//
// 目录在进程内只构建一次且只读；测试可以用 New 构造独立副本。
package sensor

import (
	"math"
	"sort"
	"strconv"
	"sync"
)

// 无数据哨兵值
const (
	NoDataRaw   uint16 = 0xFFFF
	MidpointRaw uint16 = 0x8000
)

// GPSID GPS复合传感器
const GPSID uint8 = 7

// GPS在不同数据包中的宽度
const (
	GPSOnlineWidth     = 8
	GPSExperimentWidth = 12
	DefaultWidth       = 2
)

// Descriptor 传感器描述符
type Descriptor struct {
	ID         uint8
	Name       string
	Unit       string
	Decimals   int
	Width      int
	WireFactor float64
	// MaxRateHz 设备支持的最高采样率，0表示不受限
	MaxRateHz float64
	// Signed 原始值为补码，0x8000保留为无数据
	Signed  bool
	Convert func(raw uint16) float64
}

// Composite 复合传感器（GPS）不走通用2字节换算
func (d Descriptor) Composite() bool {
	return d.Convert == nil
}

// SupportsRate 是否支持给定采样率
func (d Descriptor) SupportsRate(hz float64) bool {
	return d.MaxRateHz == 0 || d.MaxRateHz >= hz
}

// Catalog 只读传感器目录
type Catalog struct {
	byID map[uint8]Descriptor
	ids  []uint8
}

// New 由描述符列表构造目录，重复ID以后者为准
func New(descs []Descriptor) *Catalog {
	c := &Catalog{byID: make(map[uint8]Descriptor, len(descs))}
	for _, d := range descs {
		if d.Width == 0 {
			d.Width = DefaultWidth
		}
		if d.WireFactor == 0 {
			d.WireFactor = 1
		}
		c.byID[d.ID] = d
	}
	for id := range c.byID {
		c.ids = append(c.ids, id)
	}
	sort.Slice(c.ids, func(i, j int) bool { return c.ids[i] < c.ids[j] })
	return c
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	return New(builtinDescriptors())
})

// Default 返回进程级默认目录
func Default() *Catalog {
	return defaultCatalog()
}

// Lookup 查找描述符
func (c *Catalog) Lookup(id uint8) (Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// IDs 按ID升序返回所有传感器
func (c *Catalog) IDs() []uint8 {
	return append([]uint8(nil), c.ids...)
}

// Name 返回传感器名称，未知ID返回"Sensor <id>"
func (c *Catalog) Name(id uint8) string {
	if d, ok := c.byID[id]; ok {
		return d.Name
	}
	return "Sensor " + strconv.Itoa(int(id))
}

// Width 返回传感器在数据包中的字节宽度；GPS按包类型区分，由调用方处理
func (c *Catalog) Width(id uint8) int {
	if d, ok := c.byID[id]; ok && !d.Composite() {
		return d.Width
	}
	return DefaultWidth
}

// IsNoData 判断原始值是否为无数据哨兵
func (c *Catalog) IsNoData(id uint8, raw uint16) bool {
	if raw == NoDataRaw {
		return true
	}
	if raw == MidpointRaw {
		d, ok := c.byID[id]
		return ok && d.Signed
	}
	return false
}

// Convert 原始值换算为物理量；未知传感器、复合传感器或非有限结果返回false
func (c *Catalog) Convert(id uint8, raw uint16) (float64, bool) {
	d, ok := c.byID[id]
	if !ok || d.Convert == nil {
		return 0, false
	}
	v := d.Convert(raw)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Decode 将2字节原始值解码为读数
func (c *Catalog) Decode(id uint8, raw uint16) Reading {
	r := Reading{Raw: raw}
	if c.IsNoData(id, raw) {
		r.NoData = true
		return r
	}
	if v, ok := c.Convert(id, raw); ok {
		r.Value = &v
	}
	return r
}
