package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snan-microbit/labdisc-microbit-link-app/internal/parser"
	"github.com/snan-microbit/labdisc-microbit-link-app/internal/wire"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/sensor"
)

func main() {
	kind := flag.String("type", "online", "包类型 (ids, status, online, experiment, command)")
	idList := flag.String("ids", "1,3,2,7,8", "传感器ID，逗号分隔")
	mask := flag.Uint("mask", 0xFFFF, "实验数据掩码")
	random := flag.Bool("random", false, "生成随机数据")
	count := flag.Int("count", 1, "生成数量")
	flag.Parse()

	ids, err := parseIDs(*idList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "传感器ID无效: %v\n", err)
		os.Exit(2)
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	catalog := sensor.Default()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	framer := parser.NewFramer(catalog, logrus.NewEntry(log))
	formatter := wire.NewFormatter(catalog)
	framer.Feed(protocol.SensorIDsPacket(ids))

	for i := 0; i < *count; i++ {
		var packet []byte

		switch *kind {
		case "ids":
			packet = protocol.SensorIDsPacket(ids)
		case "status":
			packet = protocol.StatusPacket(protocol.DeviceStatus{
				Subtype:     protocol.StatusReport,
				SensorMask:  uint16(*mask),
				RateIndex:   protocol.Rate1Hz,
				CountIndex:  protocol.CountMax,
				Clock:       time.Now(),
				SensorCount: uint8(len(ids)),
			}, 1, 2)
		case "online":
			packet = protocol.OnlineDataPacket(payload(catalog, ids, 0xFFFF, false, *random, rnd))
		case "experiment":
			m := uint16(*mask)
			packet = protocol.ExperimentDataPacket(m, uint16(i), payload(catalog, ids, m, true, *random, rnd))
		case "command":
			packet = protocol.StartExperiment(uint16(*mask), protocol.Rate1Hz, protocol.CountMax)
		default:
			fmt.Fprintf(os.Stderr, "未知包类型: %s\n", *kind)
			os.Exit(2)
		}

		fmt.Printf("数据包 %d:\n", i+1)
		fmt.Printf("  十六进制: %s\n", hex.EncodeToString(packet))
		fmt.Printf("  字节数组: % x\n", packet)
		fmt.Printf("  C格式:    {%s}\n", toCArray(packet))
		fmt.Printf("  Go格式:   []byte{%s}\n", toCArray(packet))
		fmt.Printf("  校验:     %s\n", checkSum(packet))
		if *kind != "command" {
			parseAndDisplay(framer, formatter, packet)
		}
		fmt.Println()
	}
}

// payload 生成数据负载；实验数据只包含掩码中激活的传感器
func payload(catalog *sensor.Catalog, ids []uint8, mask uint16, experiment, random bool, rnd *rand.Rand) []byte {
	var out []byte
	for i, id := range ids {
		if experiment && (i >= protocol.MaxMaskedSensors || mask&(1<<uint(i)) == 0) {
			continue
		}
		if id == sensor.GPSID {
			out = append(out, 0x28, 0x30, 0x39, 'N', 0x03, 0x00, 0x00, 'E')
			if experiment {
				out = append(out, 0x00, 0x7B, 0x03, 0x84)
			}
			continue
		}
		raw := uint16(2630)
		if random {
			raw = uint16(rnd.Intn(0x7FFF))
		}
		b := make([]byte, catalog.Width(id))
		if len(b) >= 2 {
			binary.BigEndian.PutUint16(b[len(b)-2:], raw)
		}
		out = append(out, b...)
	}
	return out
}

// parseAndDisplay 解析并显示数据包内容
func parseAndDisplay(framer *parser.Framer, formatter *wire.Formatter, packet []byte) {
	events := framer.Feed(packet)
	if len(events) == 0 {
		fmt.Println("  错误: 无法解析")
		return
	}

	fmt.Printf("  解析结果:\n")
	switch ev := events[0].(type) {
	case parser.SensorIDsEvent:
		fmt.Printf("    传感器ID: %v\n", ev.IDs)
	case parser.StatusEvent:
		st := ev.Status
		fmt.Printf("    子类型:   0x%02X\n", st.Subtype)
		fmt.Printf("    固件:     %s\n", st.Firmware)
		fmt.Printf("    掩码:     0x%04X\n", st.SensorMask)
		if st.ClockValid {
			fmt.Printf("    时钟:     %s\n", st.Clock.Format("2006-01-02 15:04:05"))
		}
	case parser.SampleEvent:
		for _, row := range formatter.Rows(ev.Sample) {
			if row.HasData {
				fmt.Printf("    %-12s %s %s\n", row.Name, row.Value, row.Unit)
			}
		}
		fmt.Printf("    信标行:   %q\n", formatter.Line(ev.Sample))
	}
}

func checkSum(packet []byte) string {
	if protocol.Valid(packet) {
		return "✓"
	}
	return "✗ 错误"
}

func parseIDs(s string) ([]uint8, error) {
	var ids []uint8
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 8)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint8(v))
	}
	return ids, nil
}

func toCArray(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02X", b)
	}
	return strings.Join(parts, ", ")
}
