// File: internal/observability/logger_test.go
package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/phonepilot/internal/config"
)

// initBuffered resets the global logger and initializes it against an
// in-memory sink.
func initBuffered(t *testing.T, cfg config.LoggerConfig) *zaptest.Buffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	buf := &zaptest.Buffer{}
	Initialize(cfg, buf)
	return buf
}

func TestInitialize(t *testing.T) {
	t.Run("console format colorizes configured levels", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "phonepilot",
			Colors:      config.ColorConfig{Info: "green"},
		})
		GetLogger().Named("agent").Info("Step recorded.")
		GetLogger().Debug("uncolored")

		lines := buf.Lines()
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], ansi["green"]+"INFO"+colorReset)
		assert.Contains(t, lines[0], "phonepilot.agent.")
		assert.Contains(t, lines[0], "Step recorded.")
		assert.Contains(t, lines[1], "\tDEBUG\t")
	})

	t.Run("json format", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "phonepilot"})
		GetLogger().Warn("Dispatch retried.", zap.String("action", "tap"))
		GetLogger().Debug("below level")

		lines := buf.Lines()
		require.Len(t, lines, 1)
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "phonepilot", entry["logger"])
		assert.Equal(t, "Dispatch retried.", entry["msg"])
		assert.Equal(t, "tap", entry["action"])
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "chatty", Format: "json"})
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		assert.Equal(t, 1, len(buf.Lines()))
	})

	t.Run("log file receives json copy", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "phonepilot.log")
		initBuffered(t, config.LoggerConfig{Level: "debug", Format: "console", LogFile: path, MaxSize: 1})
		GetLogger().Error("Device went away.")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"Device went away."`)
	})

	t.Run("only the first call takes effect", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", ServiceName: "first"})
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, &zaptest.Buffer{})
		assert.Same(t, first, GetLogger())

		GetLogger().Info("hello")
		out := buf.String()
		assert.True(t, strings.Contains(out, "first"))
		assert.False(t, strings.Contains(out, "second"))
	})
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Nil(t, globalLogger.Load())
}

func TestTaskLogger(t *testing.T) {
	buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "phonepilot"})
	TaskLogger(nil, "task_20260101_000000_abcd1234").Info("Task started.")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(buf.Lines()[0]), &entry))
	assert.Equal(t, "phonepilot.task", entry["logger"])
	assert.Equal(t, "task_20260101_000000_abcd1234", entry["task_id"])
}
