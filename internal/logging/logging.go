// Package logging builds the zap logger shared by every component.
//
// Logs are JSON on stderr. Stdout is reserved for the MCP stdio transport.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted in configuration.
const (
	Debug   = "debug"
	Info    = "info"
	Warning = "warning"
	Error   = "error"
)

// Config controls logger construction.
type Config struct {
	Level       string
	ServiceName string
	// OutputPaths defaults to stderr.
	OutputPaths []string
	// AtomicLevel, when set, is used instead of a fresh level so callers can
	// change verbosity at runtime.
	AtomicLevel *zap.AtomicLevel
}

// ParseLevel maps a configured level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case Debug:
		return zap.DebugLevel, nil
	case "", Info:
		return zap.InfoLevel, nil
	case Warning, "warn":
		return zap.WarnLevel, nil
	case Error:
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// New builds a production JSON logger.
func New(cfg Config) (*zap.Logger, error) {
	logLevel, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	service := cfg.ServiceName
	if service == "" {
		service = "hybridsearch"
	}

	level := zap.NewAtomicLevelAt(logLevel)
	if cfg.AtomicLevel != nil {
		cfg.AtomicLevel.SetLevel(logLevel)
		level = *cfg.AtomicLevel
	}

	config := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]interface{}{
			"pid":     os.Getpid(),
			"service": service,
		},
	}

	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// SetLevel parses level and applies it to l.
func SetLevel(l zap.AtomicLevel, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
