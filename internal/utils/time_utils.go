package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime 解析 "500ms" / "10s" / "20m" / "48h" / "2d" 形式的时长，非法输入返回 0
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.TrimSpace(strings.ToLower(timeString))
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * u.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

// Clock 返回当前毫秒时间戳，测试中可替换
type Clock func() int64

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
