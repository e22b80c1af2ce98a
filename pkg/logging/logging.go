// Package logging builds the zap logger used across the fleet.
//
// Records below error level go to stdout and errors go to stderr. The level
// is atomic and can follow the config file through Watch.
package logging

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cdpkit/fleet/pkg/fleeterr"
)

// Config holds logger settings
type Config struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" mapstructure:"level"`

	// Encoding is json or console
	Encoding string `yaml:"encoding" mapstructure:"encoding"`
}

// DefaultConfig returns info-level JSON logging
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Encoding: "json",
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fleeterr.Wrap(fleeterr.CodeInvalidParam, err, "invalid log level").
			WithContext("level", c.Level)
	}
	switch c.Encoding {
	case "json", "console":
		return nil
	default:
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "unknown log encoding %q", c.Encoding).
			WithSuggestion("use json or console")
	}
}

// Logger is a zap logger with a runtime-adjustable level
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// Build creates a logger writing to stdout and stderr
func Build(cfg Config) (*Logger, error) {
	return BuildWithSinks(cfg, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

// BuildWithSinks creates a logger with explicit sinks for the low and high
// priority streams
func BuildWithSinks(cfg Config, out, errOut zapcore.WriteSyncer) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.CodeInvalidParam, err, "invalid log level")
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	if cfg.Encoding == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	high := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return level.Enabled(lvl) && lvl >= zapcore.ErrorLevel
	})
	low := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return level.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, out, low),
		zapcore.NewCore(encoder, errOut, high),
	)
	return &Logger{
		Logger: zap.New(core, zap.AddCaller()),
		level:  level,
	}, nil
}

// Level returns the current level
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// SetLevel changes the level at runtime
func (l *Logger) SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fleeterr.Wrap(fleeterr.CodeInvalidParam, err, "invalid log level").
			WithContext("level", level)
	}
	if lvl != l.level.Level() {
		l.level.SetLevel(lvl)
		l.Info("log level updated", zap.String("level", lvl.String()))
	}
	return nil
}

// Watch follows the config file behind v and applies changes to key, such
// as "logging.level"
func (l *Logger) Watch(v *viper.Viper, key string) {
	v.OnConfigChange(func(in fsnotify.Event) {
		if !in.Has(fsnotify.Write) && !in.Has(fsnotify.Create) {
			return
		}
		l.applyLevel(v.GetString(key))
	})
	v.WatchConfig()
}

func (l *Logger) applyLevel(level string) {
	if level == "" {
		return
	}
	if err := l.SetLevel(level); err != nil {
		l.Error("ignoring log level from config", zap.Error(err))
	}
}
