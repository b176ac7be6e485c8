package core

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ProductionLogger implements Logger and ComponentAwareLogger on top of zap.
//
// Output format follows LoggingConfig.Format: "json" produces one JSON object per
// line for log aggregation, "text" produces zap's console encoding. Every line
// carries the service name and, once scoped with WithComponent, the component.
type ProductionLogger struct {
	zl          *zap.Logger
	serviceName string
	component   string
}

// NewProductionLogger builds a logger from configuration. Invalid levels fall back
// to info; development mode forces debug level.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	level := parseLevel(logging.Level)
	if dev.Enabled {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if logging.Format == "text" || dev.PrettyLogs {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stdout)
	if logging.Output == "stderr" {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return NewLoggerFromZap(zap.New(core), serviceName)
}

// NewLoggerFromZap wraps an existing zap logger. Tests use it with zaptest/observer.
func NewLoggerFromZap(zl *zap.Logger, serviceName string) *ProductionLogger {
	if serviceName != "" {
		zl = zl.With(zap.String("service", serviceName))
	}
	return &ProductionLogger{zl: zl, serviceName: serviceName}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithComponent returns a child logger tagged with component.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		zl:          l.zl.With(zap.String("component", component)),
		serviceName: l.serviceName,
		component:   component,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.zl.Info(msg, toZapFields(fields)...)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.zl.Error(msg, toZapFields(fields)...)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.zl.Warn(msg, toZapFields(fields)...)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.zl.Debug(msg, toZapFields(fields)...)
}

// Sync flushes buffered log entries.
func (l *ProductionLogger) Sync() error {
	return l.zl.Sync()
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case error:
			out = append(out, zap.String(k, val.Error()))
		case fmt.Stringer:
			out = append(out, zap.Stringer(k, val))
		default:
			out = append(out, zap.Any(k, val))
		}
	}
	return out
}
