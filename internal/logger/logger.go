package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes one named logger in the `logging.loggers` section.
type Config struct {
	Level        string       `yaml:"level"`
	OutputPaths  []string     `yaml:"output_paths"`
	Development  bool         `yaml:"development"`
	LogToConsole bool         `yaml:"log_to_console"`
	Encoding     Encoding     `yaml:"encoding"`
	LogRotation  LogRotation  `yaml:"log_rotation"`
	Sanitization Sanitization `yaml:"sanitization"`
	Async        Async        `yaml:"async"`
}

type Encoding struct {
	TimeKey         string `yaml:"time_key"`
	LevelKey        string `yaml:"level_key"`
	NameKey         string `yaml:"name_key"`
	CallerKey       string `yaml:"caller_key"`
	MessageKey      string `yaml:"message_key"`
	StacktraceKey   string `yaml:"stacktrace_key"`
	LevelEncoder    string `yaml:"level_encoder"`
	TimeEncoder     string `yaml:"time_encoder"`
	DurationEncoder string `yaml:"duration_encoder"`
	CallerEncoder   string `yaml:"caller_encoder"`
}

type LogRotation struct {
	Enabled    bool `yaml:"enabled"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Sanitization lists field keys whose values never reach an output.
type Sanitization struct {
	SensitiveFields []string `yaml:"sensitive_fields"`
	Mask            string   `yaml:"mask"`
}

// Build creates a zap logger named name from cfg. Missing values take
// their defaults from DefaultConfig.
func Build(name string, cfg Config) (*zap.Logger, error) {
	assignDefaultValues(&cfg)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        cfg.Encoding.TimeKey,
		LevelKey:       cfg.Encoding.LevelKey,
		NameKey:        cfg.Encoding.NameKey,
		CallerKey:      cfg.Encoding.CallerKey,
		MessageKey:     cfg.Encoding.MessageKey,
		StacktraceKey:  cfg.Encoding.StacktraceKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    getZapLevelEncoder(cfg.Encoding.LevelEncoder),
		EncodeTime:     getZapTimeEncoder(cfg.Encoding.TimeEncoder),
		EncodeDuration: getZapDurationEncoder(cfg.Encoding.DurationEncoder),
		EncodeCaller:   getZapCallerEncoder(cfg.Encoding.CallerEncoder),
	}

	level := zap.NewAtomicLevelAt(getZapLevel(cfg.Level))
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	var cores []zapcore.Core
	if cfg.Development || cfg.LogToConsole {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = coloredLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stdout), level))
	}

	for _, path := range cfg.OutputPaths {
		var ws zapcore.WriteSyncer
		switch {
		case path == "stdout":
			if cfg.Development || cfg.LogToConsole {
				continue
			}
			ws = zapcore.Lock(os.Stdout)
		case path == "stderr":
			ws = zapcore.Lock(os.Stderr)
		case cfg.LogRotation.Enabled:
			ws = zapcore.AddSync(ljLogger(path, cfg.LogRotation))
		default:
			file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to open log file '%s': %w", path, err)
			}
			ws = zapcore.AddSync(file)
		}

		var fileCore zapcore.Core = zapcore.NewCore(jsonEncoder, ws, level)
		if cfg.Async.Enabled && path != "stdout" && path != "stderr" {
			a := cfg.Async
			fileCore = NewAsyncCore(fileCore, a.BufferSize, a.BatchSize, a.FlushInterval)
		}
		cores = append(cores, fileCore)
	}

	core := zapcore.NewTee(cores...)
	if len(cfg.Sanitization.SensitiveFields) > 0 {
		core = NewSanitizerCore(core, cfg.Sanitization.SensitiveFields, cfg.Sanitization.Mask)
	}

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).Named(name), nil
}

func getZapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func getZapLevelEncoder(encoder string) zapcore.LevelEncoder {
	switch strings.ToLower(encoder) {
	case "uppercase", "capital":
		return zapcore.CapitalLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

func getZapTimeEncoder(encoder string) zapcore.TimeEncoder {
	switch strings.ToLower(encoder) {
	case "epoch":
		return zapcore.EpochTimeEncoder
	case "millis":
		return zapcore.EpochMillisTimeEncoder
	case "rfc3339":
		return zapcore.RFC3339TimeEncoder
	default:
		return zapcore.ISO8601TimeEncoder
	}
}

func getZapDurationEncoder(encoder string) zapcore.DurationEncoder {
	switch strings.ToLower(encoder) {
	case "seconds":
		return zapcore.SecondsDurationEncoder
	case "millis":
		return zapcore.MillisDurationEncoder
	default:
		return zapcore.StringDurationEncoder
	}
}

func getZapCallerEncoder(encoder string) zapcore.CallerEncoder {
	if strings.ToLower(encoder) == "full" {
		return zapcore.FullCallerEncoder
	}
	return zapcore.ShortCallerEncoder
}

// console only
func coloredLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var color string
	switch l {
	case zapcore.DebugLevel:
		color = "\x1b[36m"
	case zapcore.InfoLevel:
		color = "\x1b[32m"
	case zapcore.WarnLevel:
		color = "\x1b[33m"
	case zapcore.ErrorLevel:
		color = "\x1b[31m"
	default:
		color = "\x1b[35m"
	}
	enc.AppendString(color + l.String() + "\x1b[0m")
}

func ljLogger(path string, l LogRotation) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
}
