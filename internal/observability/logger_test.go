// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/marionette/internal/config"
)

// testSyncer collects console output in memory so tests can assert on it.
type testSyncer struct {
	bytes.Buffer
}

func (t *testSyncer) Sync() error { return nil }

func initForTest(t *testing.T, cfg config.LoggerConfig) *testSyncer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	buf := &testSyncer{}
	Initialize(cfg, zapcore.AddSync(buf))
	return buf
}

func TestInitializeConsoleLogger(t *testing.T) {
	buf := initForTest(t, config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "TestService",
	})

	GetLogger().Info("This is a test message.")

	output := buf.String()
	assert.Contains(t, output, "INFO", "output should contain the log level")
	assert.Contains(t, output, "This is a test message.")
	assert.Contains(t, output, "TestService", "output should carry the service name")
}

func TestInitializeJSONLogger(t *testing.T) {
	buf := initForTest(t, config.LoggerConfig{
		Level:       "info",
		Format:      "json",
		ServiceName: "JSONTest",
	})

	GetLogger().Warn("This is a JSON message.", zap.String("key", "value"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "JSONTest", entry["logger"])
	assert.Equal(t, "This is a JSON message.", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestLevelFiltering(t *testing.T) {
	buf := initForTest(t, config.LoggerConfig{Level: "warn", Format: "json", ServiceName: "Filter"})

	GetLogger().Info("hidden")
	GetLogger().Warn("visible")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "visible")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	buf := initForTest(t, config.LoggerConfig{Level: "chatty", Format: "json", ServiceName: "Fallback"})

	GetLogger().Debug("debug hidden at info")
	GetLogger().Info("info visible")

	output := buf.String()
	assert.NotContains(t, output, "debug hidden at info")
	assert.Contains(t, output, "info visible")
}

func TestLogFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "service.log")
	initForTest(t, config.LoggerConfig{
		Level:   "debug",
		Format:  "json",
		LogFile: logFile,
		MaxSize: 1,
	})

	GetLogger().Error("This should go to the file.")
	Sync()

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "This should go to the file.")
}

func TestInitializeOnlyOnce(t *testing.T) {
	buf := initForTest(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"})

	// A second initialization is ignored; the first config wins.
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, zapcore.AddSync(&testSyncer{}))

	GetLogger().Info("after second init")
	assert.True(t, strings.Contains(buf.String(), "First"))
	assert.False(t, strings.Contains(buf.String(), "Second"))
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger, "an uninitialized logger must still be usable")
}

func TestGetLoggerReturnsGlobalInstance(t *testing.T) {
	initForTest(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "GlobalTest"})
	assert.Equal(t, globalLogger.Load(), GetLogger())
}
