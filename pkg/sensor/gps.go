package sensor

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Coordinate 单个经/纬度
type Coordinate struct {
	Degrees    int     `json:"degrees"`
	Minutes    float64 `json:"minutes"`
	Hemisphere string  `json:"hemisphere"`
	Decimal    float64 `json:"decimal"`
	Text       string  `json:"text"`
}

// GPSFix GPS读数；在线数据只有经纬度，实验数据附带速度和航向
type GPSFix struct {
	Latitude  Coordinate `json:"latitude"`
	Longitude Coordinate `json:"longitude"`
	Velocity  *float64   `json:"velocity_kmh,omitempty"`
	Angle     *float64   `json:"angle_deg,omitempty"`
}

// DecodeCoordinate 解码4字节坐标。
// 字节按大端拼成8位十六进制串: 2位度、4位分×1000、2位半球字节(N/S/E/W/0)。
func DecodeCoordinate(b []byte) (Coordinate, error) {
	if len(b) < 4 {
		return Coordinate{}, fmt.Errorf("GPS坐标长度不足: %d bytes", len(b))
	}
	s := hex.EncodeToString(b[:4])

	deg, err := strconv.ParseUint(s[0:2], 16, 8)
	if err != nil {
		return Coordinate{}, err
	}
	milli, err := strconv.ParseUint(s[2:6], 16, 16)
	if err != nil {
		return Coordinate{}, err
	}
	hemi, err := strconv.ParseUint(s[6:8], 16, 8)
	if err != nil {
		return Coordinate{}, err
	}

	c := Coordinate{
		Degrees: int(deg),
		Minutes: float64(milli) / 1000,
	}
	c.Decimal = float64(c.Degrees) + c.Minutes/60

	switch byte(hemi) {
	case 'N', 'S', 'E', 'W':
		c.Hemisphere = string(rune(hemi))
	default:
		c.Hemisphere = "?"
	}
	if c.Hemisphere == "S" || c.Hemisphere == "W" {
		c.Decimal = -c.Decimal
	}
	c.Text = fmt.Sprintf("%d°%.3f'%s", c.Degrees, c.Minutes, c.Hemisphere)
	return c, nil
}

// DecodeGPS 解码GPS记录: 8字节(经纬度)或12字节(附带速度、航向)
func DecodeGPS(b []byte) (Reading, error) {
	if len(b) < GPSOnlineWidth {
		return Reading{}, fmt.Errorf("GPS记录长度不足: %d bytes", len(b))
	}

	r := Reading{Raw: binary.BigEndian.Uint16(b[0:2])}
	if allFF(b[0:4]) {
		r.NoData = true
		return r, nil
	}

	lat, err := DecodeCoordinate(b[0:4])
	if err != nil {
		return Reading{}, err
	}
	lon, err := DecodeCoordinate(b[4:8])
	if err != nil {
		return Reading{}, err
	}
	fix := &GPSFix{Latitude: lat, Longitude: lon}

	if len(b) >= GPSExperimentWidth {
		if raw := binary.BigEndian.Uint16(b[8:10]); raw != NoDataRaw {
			v := float64(raw) / 10
			fix.Velocity = &v
		}
		if raw := binary.BigEndian.Uint16(b[10:12]); raw != NoDataRaw {
			v := float64(raw) / 10
			fix.Angle = &v
		}
	}

	value := lat.Decimal
	r.Value = &value
	r.GPS = fix
	return r, nil
}

func allFF(b []byte) bool {
	for _, x := range b {
		if x != 0xFF {
			return false
		}
	}
	return true
}
