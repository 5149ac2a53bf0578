package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgecomet/eventshipper/internal/common/configtypes"
)

func TestNewLogger_ConsoleOnly(t *testing.T) {
	logger, err := NewLogger(configtypes.LogConfig{
		Level:   "info",
		Console: configtypes.ConsoleLogConfig{Enabled: true, Format: "console"},
	})
	require.NoError(t, err)

	level, ok := logger.Level("console")
	require.True(t, ok)
	assert.Equal(t, zap.InfoLevel, level)

	_, ok = logger.Level("file")
	assert.False(t, ok)
}

func TestNewLogger_FileWritesJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "shipper.log")

	logger, err := NewLogger(configtypes.LogConfig{
		Level: "debug",
		File: configtypes.FileLogConfig{
			Enabled:  true,
			Path:     logPath,
			Format:   "json",
			Rotation: configtypes.RotationConfig{MaxSize: 10, MaxAge: 7, MaxBackups: 3},
		},
	})
	require.NoError(t, err)

	logger.Info("batch delivered", zap.Int("records", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"batch delivered"`)
	assert.Contains(t, string(data), `"records":3`)
}

func TestNewLogger_Errors(t *testing.T) {
	t.Run("no outputs", func(t *testing.T) {
		_, err := NewLogger(configtypes.LogConfig{Level: "info"})
		assert.Error(t, err)
	})

	t.Run("file without path", func(t *testing.T) {
		_, err := NewLogger(configtypes.LogConfig{
			File: configtypes.FileLogConfig{Enabled: true},
		})
		assert.Error(t, err)
	})
}

func TestNewLoggerWithStartupOverride(t *testing.T) {
	config := configtypes.LogConfig{
		Level:   "error",
		Console: configtypes.ConsoleLogConfig{Enabled: true, Format: "json"},
	}

	logger, err := NewLoggerWithStartupOverride(config)
	require.NoError(t, err)

	level, _ := logger.Level("console")
	assert.Equal(t, zap.InfoLevel, level, "startup should run at INFO")

	logger.SwitchToConfiguredLevel()
	level, _ = logger.Level("console")
	assert.Equal(t, zap.ErrorLevel, level)

	logger.EnsureInfoLevelForShutdown()
	level, _ = logger.Level("console")
	assert.Equal(t, zap.InfoLevel, level)
}

func TestNewLoggerWithStartupOverride_DebugUnchanged(t *testing.T) {
	logger, err := NewLoggerWithStartupOverride(configtypes.LogConfig{
		Level:   "debug",
		Console: configtypes.ConsoleLogConfig{Enabled: true},
	})
	require.NoError(t, err)

	level, _ := logger.Level("console")
	assert.Equal(t, zap.DebugLevel, level)
}

func TestResolveLogLevel(t *testing.T) {
	assert.Equal(t, zap.WarnLevel, resolveLogLevel("warn", zap.InfoLevel))
	assert.Equal(t, zap.ErrorLevel, resolveLogLevel("", zap.ErrorLevel))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("bogus"))
}
