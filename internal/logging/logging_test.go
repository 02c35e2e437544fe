package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, InfoLevel, cfg.Level)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.Pretty)
	assert.Equal(t, time.RFC3339, cfg.TimeFormat)
	assert.False(t, cfg.LogToFile)
	assert.Equal(t, "/tmp", cfg.LogDir)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel}, {"debug", DebugLevel}, {"  DEBUG  ", DebugLevel},
		{"INFO", InfoLevel}, {"info", InfoLevel},
		{"WARN", WarnLevel}, {"warn", WarnLevel}, {"WARNING", WarnLevel}, {"warning", WarnLevel},
		{"ERROR", ErrorLevel}, {"error", ErrorLevel},
		{"FATAL", FatalLevel}, {"fatal", FatalLevel},
		{"unknown", InfoLevel}, {"", InfoLevel}, {"INVALID", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestInitWritesToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	Info().Msg("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "info")
}

func TestInitWithPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})

	Info().Msg("pretty test")

	assert.Contains(t, buf.String(), "pretty test")
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Debug().Msg("debug message")
	Info().Msg("info message")
	Warn().Msg("warn message")
	Error().Msg("error message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")
}

func TestLogToFileUsesBrokerFilenamePrefix(t *testing.T) {
	tempDir := t.TempDir()

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: tempDir})
	defer Close()

	Info().Msg("file log test")

	logPath := GetLogFilePath()
	require.NotEmpty(t, logPath)
	assert.True(t, strings.HasPrefix(logPath, tempDir))

	fileName := filepath.Base(logPath)
	assert.True(t, strings.HasPrefix(fileName, "broker-"), "unexpected log file name: %s", fileName)
	assert.True(t, strings.HasSuffix(fileName, ".log"))

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "file log test")
}

func TestCloseClearsLogFilePath(t *testing.T) {
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: t.TempDir()})
	require.NotEmpty(t, GetLogFilePath())

	Close()

	assert.Empty(t, GetLogFilePath())
}

func TestGetLogFilePathWhenNotLoggingToFile(t *testing.T) {
	Close() // ensure no previous log file
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: false})

	assert.Empty(t, GetLogFilePath())
}

func TestWithAttachesFieldsToChildLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	With().Str("component", "test").Logger().Info().Msg("with context")

	output := buf.String()
	assert.Contains(t, output, "component")
	assert.Contains(t, output, "test")
}

func TestLogWithFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	Info().Str("key", "value").Int("count", 42).Bool("enabled", true).Msg("message with fields")

	output := buf.String()
	assert.Contains(t, output, `"key":"value"`)
	assert.Contains(t, output, `"count":42`)
	assert.Contains(t, output, `"enabled":true`)
}

func TestInitWithNilOutputDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Init(Config{Level: InfoLevel, Output: nil})
	})
}

func TestInitWithEmptyTimeFormatFallsBackToRFC3339(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, TimeFormat: ""})

	Info().Msg("time format test")

	assert.Contains(t, buf.String(), "time format test")
}

func TestInitWithEmptyLogDirDefaultsToTmp(t *testing.T) {
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: ""})
	defer Close()

	if logPath := GetLogFilePath(); logPath != "" {
		assert.True(t, strings.HasPrefix(logPath, "/tmp"))
	}
}

func TestReinitClosesPreviousLogFile(t *testing.T) {
	tempDir := t.TempDir()

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: tempDir})
	firstLogPath := GetLogFilePath()

	time.Sleep(time.Second) // force a distinct filename timestamp

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: tempDir})
	defer Close()
	secondLogPath := GetLogFilePath()

	assert.NotEqual(t, firstLogPath, secondLogPath)
	assert.FileExists(t, firstLogPath)
	assert.FileExists(t, secondLogPath)
}

func TestErrorLogsErrMessage(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	Error().Err(os.ErrNotExist).Msg("error test")

	output := buf.String()
	assert.Contains(t, output, "error test")
	assert.Contains(t, output, "file does not exist")
}
