package sensor

// Reading 单个传感器读数
type Reading struct {
	Raw    uint16   `json:"raw"`
	Value  *float64 `json:"value"`
	NoData bool     `json:"no_data"`
	GPS    *GPSFix  `json:"gps,omitempty"`
}

// HasValue 读数有有效物理量
func (r Reading) HasValue() bool {
	return !r.NoData && r.Value != nil
}

// Sample 一次采样: 传感器ID -> 读数
type Sample map[uint8]Reading

// Value 取传感器物理量，不存在或无数据返回false
func (s Sample) Value(id uint8) (float64, bool) {
	r, ok := s[id]
	if !ok || !r.HasValue() {
		return 0, false
	}
	return *r.Value, true
}
