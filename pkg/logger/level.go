package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level 日志级别，与 zapcore.Level 取值相同
type Level int8

const (
	DebugLevel = Level(zapcore.DebugLevel)
	InfoLevel  = Level(zapcore.InfoLevel)
	WarnLevel  = Level(zapcore.WarnLevel)
	ErrorLevel = Level(zapcore.ErrorLevel)
	FatalLevel = Level(zapcore.FatalLevel)
)

func (l Level) String() string {
	return zapcore.Level(l).String()
}

func (l Level) toZapLevel() zapcore.Level {
	return zapcore.Level(l)
}

// ParseLevel 解析 debug、info、warn、error 等名称，大小写不敏感，空串为 info
// 配置文件、WSLINK_LOG_LEVEL 与 --log-level 都经过这里
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return WarnLevel, nil
	}
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(s)); err != nil {
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return Level(zl), nil
}
