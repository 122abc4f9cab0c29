package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/snan-microbit/labdisc-microbit-link-app/pkg/protocol"
)

func main() {
	port := flag.String("port", "", "串口路径，例如 socat 创建的 pty")
	baud := flag.Int("baud", 9600, "波特率")
	idList := flag.String("ids", "1,3,2,7,8", "上报的传感器ID，逗号分隔")
	limit := flag.Int("limit", 0, "每次采集的采样数，0表示按命令中的采样数索引")
	online := flag.Duration("online", 0, "空闲时发送在线数据的间隔")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if *port == "" {
		ports, _ := serial.GetPortsList()
		fmt.Fprintf(os.Stderr, "必须指定 -port，可用串口: %v\n", ports)
		os.Exit(2)
	}

	ids, err := parseIDs(*idList)
	if err != nil {
		log.Fatalf("传感器ID无效: %v", err)
	}

	p, err := serial.Open(*port, &serial.Mode{BaudRate: *baud})
	if err != nil {
		log.Fatalf("打开串口失败: %v", err)
	}
	defer p.Close()

	log.Infof("模拟采集器已启动: %s 传感器 %v", *port, ids)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		p.Close()
	}()

	dev := newDevice(ids, logrus.NewEntry(log))
	dev.limit = *limit
	dev.online = *online
	if err := dev.serve(ctx, p); err != nil && ctx.Err() == nil {
		log.Errorf("串口读取失败: %v", err)
	}
}

func parseIDs(s string) ([]uint8, error) {
	var ids []uint8
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("%q", f)
		}
		ids = append(ids, uint8(v))
	}
	if len(ids) == 0 || len(ids) > protocol.SensorIDSlots {
		return nil, fmt.Errorf("数量必须在1到17之间: %d", len(ids))
	}
	return ids, nil
}
