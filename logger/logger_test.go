package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, ParseLogLevel("bogus"))
}

func TestCustomFormatter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug")
	defer SetOutput(os.Stderr, "warn")

	WithFields(Fields{"tx": 7, "seq": 3}).Debug("logged operation")
	line := buf.String()
	assert.Contains(t, line, "[DEBU]")
	assert.Contains(t, line, "logged operation seq=3 tx=7")
	assert.Contains(t, line, "logger_test.go")
}

func TestInitLoggerWritesFiles(t *testing.T) {
	dir := t.TempDir()
	info := filepath.Join(dir, "logs", "info.log")
	errPath := filepath.Join(dir, "logs", "error.log")
	require.NoError(t, InitLogger(LogConfig{InfoLogPath: info, ErrorLogPath: errPath, LogLevel: "info"}))
	defer SetOutput(os.Stderr, "warn")

	Infof("journal mounted at sector %d", 64)
	Errorf("recovery failed: %s", "boom")

	data, err := os.ReadFile(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), "journal mounted at sector 64")

	data, err = os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "recovery failed: boom")
}
