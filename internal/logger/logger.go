// Package logger builds the structured zap logger used across fvpctl.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Encoding   string // json, console, or empty to pick by terminal
	OutputPath string // stderr (default), stdout, or a file path
	Service    string
}

// DefaultConfig returns defaults for the CLI. Logs go to stderr so they do
// not mix with tool output mirrored on stdout.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		OutputPath: "stderr",
		Service:    "fvpctl",
	}
}

// New creates a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	var output zapcore.WriteSyncer
	var file *os.File
	switch cfg.OutputPath {
	case "", "stderr":
		file = os.Stderr
		output = zapcore.Lock(os.Stderr)
	case "stdout":
		file = os.Stdout
		output = zapcore.Lock(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(f)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if encoding(cfg.Encoding, file) == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, output, ParseLevel(cfg.Level))
	opts := []zap.Option{zap.AddCaller()}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	return zap.New(core, opts...), nil
}

// encoding resolves an empty encoding: console on a terminal, JSON
// otherwise (CI logs, files).
func encoding(enc string, f *os.File) string {
	switch strings.ToLower(enc) {
	case "console", "json":
		return strings.ToLower(enc)
	}
	if f != nil && term.IsTerminal(int(f.Fd())) {
		return "console"
	}
	return "json"
}

// ParseLevel converts a level name to a zapcore.Level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
