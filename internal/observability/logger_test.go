// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/steamprobe/internal/config"
)

// resetGlobalLogger is critical for ensuring test isolation, as the logger
// is a global singleton. We must reset it before each test.
func resetGlobalLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (s *syncBuffer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console format with colors", func(t *testing.T) {
		resetGlobalLogger()
		var buf syncBuffer

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "testservice",
			Colors:      config.ColorConfig{Info: "green"},
		}
		Initialize(cfg, zapcore.Lock(&buf))
		GetLogger().Info("hello from the pool")

		out := buf.String()
		assert.Contains(t, out, "INFO")
		assert.Contains(t, out, "hello from the pool")
		assert.Contains(t, out, "testservice.")
		assert.Contains(t, out, colorGreen)
		assert.Contains(t, out, colorReset)
	})

	t.Run("json format", func(t *testing.T) {
		resetGlobalLogger()
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "t"}, zapcore.Lock(&buf))
		GetLogger().Info("structured message")

		out := buf.String()
		assert.Contains(t, out, `"msg":"structured message"`)
		assert.Contains(t, out, `"level":"INFO"`)
	})

	t.Run("level filtering", func(t *testing.T) {
		resetGlobalLogger()
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "warn", Format: "json", ServiceName: "t"}, zapcore.Lock(&buf))
		GetLogger().Info("should be dropped")
		GetLogger().Warn("should pass")

		out := buf.String()
		assert.NotContains(t, out, "should be dropped")
		assert.Contains(t, out, "should pass")
	})

	t.Run("bad level falls back to info", func(t *testing.T) {
		resetGlobalLogger()
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "nonsense", Format: "json", ServiceName: "t"}, zapcore.Lock(&buf))
		GetLogger().Debug("debug dropped")
		GetLogger().Info("info kept")

		out := buf.String()
		assert.NotContains(t, out, "debug dropped")
		assert.Contains(t, out, "info kept")
	})
}

func TestGetLoggerFallback(t *testing.T) {
	resetGlobalLogger()
	logger := GetLogger()
	assert.NotNil(t, logger)
}
