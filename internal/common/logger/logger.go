package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
)

// output is one enabled sink with its own adjustable level.
type output struct {
	name       string
	level      zap.AtomicLevel
	configured zapcore.Level
}

// DynamicLogger is a zap.Logger whose per-output levels can be changed at runtime.
// It starts at INFO or lower so startup and shutdown lines are always visible.
type DynamicLogger struct {
	*zap.Logger
	outputs []*output
}

// NewLogger builds a tee of console and file cores from config.
func NewLogger(config configtypes.LogConfig) (*DynamicLogger, error) {
	return newLogger(config, false)
}

// NewLoggerWithStartupOverride is NewLogger, but outputs configured above INFO start
// at INFO until SwitchToConfiguredLevel is called.
func NewLoggerWithStartupOverride(config configtypes.LogConfig) (*DynamicLogger, error) {
	return newLogger(config, true)
}

func newLogger(config configtypes.LogConfig, startupOverride bool) (*DynamicLogger, error) {
	globalLevel := parseLogLevel(config.Level)

	var cores []zapcore.Core
	dl := &DynamicLogger{}

	addOutput := func(name, levelName, format string, ws zapcore.WriteSyncer) {
		configured := resolveLogLevel(levelName, globalLevel)
		start := configured
		if startupOverride && start > zap.InfoLevel {
			start = zap.InfoLevel
		}
		out := &output{name: name, level: zap.NewAtomicLevelAt(start), configured: configured}
		dl.outputs = append(dl.outputs, out)
		cores = append(cores, zapcore.NewCore(createEncoder(format), ws, out.level))
	}

	if config.Console.Enabled {
		addOutput("console", config.Console.Level, config.Console.Format, zapcore.Lock(os.Stdout))
	}

	if config.File.Enabled {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		addOutput("file", config.File.Level, config.File.Format, createFileWriter(config.File.Path, config.File.Rotation))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	}

	dl.Logger = zap.New(zapcore.NewTee(cores...))
	return dl, nil
}

// SwitchToConfiguredLevel restores every output to its configured level.
func (dl *DynamicLogger) SwitchToConfiguredLevel() {
	for _, out := range dl.outputs {
		if out.level.Level() != out.configured {
			dl.Info("Switching logger to configured level",
				zap.String("output", out.name),
				zap.Stringer("level", out.configured))
			out.level.SetLevel(out.configured)
		}
	}
}

// EnsureInfoLevelForShutdown lowers outputs above INFO so the shutdown sequence is logged.
func (dl *DynamicLogger) EnsureInfoLevelForShutdown() {
	changed := false
	for _, out := range dl.outputs {
		if out.level.Level() > zap.InfoLevel {
			out.level.SetLevel(zap.InfoLevel)
			changed = true
		}
	}
	if changed {
		dl.Info("Switched to INFO level for shutdown visibility")
	}
}

// Level returns the current level of the named output ("console" or "file").
func (dl *DynamicLogger) Level(name string) (zapcore.Level, bool) {
	for _, out := range dl.outputs {
		if out.name == name {
			return out.level.Level(), true
		}
	}
	return zapcore.InvalidLevel, false
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func resolveLogLevel(outputLevel string, globalLevel zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLogLevel(outputLevel)
	}
	return globalLevel
}

func createEncoder(format string) zapcore.Encoder {
	switch format {
	case configtypes.LogFormatJSON:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case configtypes.LogFormatText:
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
}

func createFileWriter(path string, rotation configtypes.RotationConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxAge:     rotation.MaxAge,
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
	})
}

// NewDefaultLogger is the console logger used before configuration is loaded.
func NewDefaultLogger() (*DynamicLogger, error) {
	return NewLogger(configtypes.LogConfig{
		Level: configtypes.LogLevelDebug,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	})
}
