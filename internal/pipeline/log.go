package pipeline

import (
	"fmt"
	"log"
	"strings"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func writeLog(logger *log.Logger, min, level LogLevel, component, format string, args ...any) {
	if logger == nil || level < min {
		return
	}
	logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, component, fmt.Sprintf(format, args...))
}
