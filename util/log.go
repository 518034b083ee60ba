package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/netbirdio/splice/formatter"
)

// LogConsole as log path keeps the output on stderr
const LogConsole = "console"

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	return InitLogWithTimestamps(logLevel, logPath, formatter.TimestampNone)
}

// InitLogWithTimestamps is InitLog with a timestamp style for every line
func InitLogWithTimestamps(logLevel string, logPath string, style formatter.TimestampStyle) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != LogConsole {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	} else {
		log.SetOutput(os.Stderr)
	}

	formatter.SetTextFormatter(log.StandardLogger(), style)
	log.SetLevel(level)
	return nil
}

// LevelFromVerbosity maps the quiet flag and the number of -v flags to a
// level: errors only by default, then warn, info, debug and trace.
func LevelFromVerbosity(quiet bool, verbosity int) log.Level {
	if quiet {
		return log.PanicLevel
	}

	switch {
	case verbosity <= 0:
		return log.ErrorLevel
	case verbosity == 1:
		return log.WarnLevel
	case verbosity == 2:
		return log.InfoLevel
	case verbosity == 3:
		return log.DebugLevel
	default:
		return log.TraceLevel
	}
}
