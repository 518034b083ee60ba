package util

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/splice/formatter"
)

func TestLevelFromVerbosity(t *testing.T) {
	testCases := []struct {
		quiet     bool
		verbosity int
		expected  log.Level
	}{
		{false, 0, log.ErrorLevel},
		{false, 1, log.WarnLevel},
		{false, 2, log.InfoLevel},
		{false, 3, log.DebugLevel},
		{false, 4, log.TraceLevel},
		{false, 9, log.TraceLevel},
		{true, 0, log.PanicLevel},
		{true, 3, log.PanicLevel},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, LevelFromVerbosity(tc.quiet, tc.verbosity), "quiet=%v verbosity=%d", tc.quiet, tc.verbosity)
	}
}

func TestInitLog_File(t *testing.T) {
	defer func() {
		_ = InitLog("error", LogConsole)
	}()

	logPath := filepath.Join(t.TempDir(), "splice.log")
	require.NoError(t, InitLogWithTimestamps("info", logPath, formatter.TimestampMillis))
	assert.Equal(t, log.InfoLevel, log.GetLevel())

	log.Info("written to file")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO")
	assert.Contains(t, string(data), "written to file")
}

func TestInitLog_InvalidLevel(t *testing.T) {
	assert.Error(t, InitLog("loud", LogConsole))
}
