package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// TimestampStyle selects how the time of an entry is printed
type TimestampStyle string

const (
	TimestampSeconds TimestampStyle = "sec"
	TimestampMillis  TimestampStyle = "ms"
	TimestampNanos   TimestampStyle = "ns"
	TimestampNone    TimestampStyle = "none"
)

var timestampFormats = map[TimestampStyle]string{
	TimestampSeconds: "2006-01-02T15:04:05Z07:00",
	TimestampMillis:  "2006-01-02T15:04:05.000Z07:00",
	TimestampNanos:   "2006-01-02T15:04:05.000000000Z07:00",
	TimestampNone:    "",
}

// ParseTimestampStyle accepts sec, ms, ns and none
func ParseTimestampStyle(s string) (TimestampStyle, error) {
	style := TimestampStyle(strings.ToLower(s))
	if _, ok := timestampFormats[style]; !ok {
		return "", fmt.Errorf("unknown timestamp style %q, use one of sec, ms, ns, none", s)
	}
	return style, nil
}

// TextFormatter formats logs into text with included source code's path
type TextFormatter struct {
	timestampFormat string
	levelDesc       []string
}

// NewTextFormatter create new TextFormatter instance
func NewTextFormatter(style TimestampStyle) *TextFormatter {
	return &TextFormatter{
		levelDesc:       []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"},
		timestampFormat: timestampFormats[style],
	}
}

// Format renders a single log entry
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fields string
	keys := make([]string, 0, len(entry.Data))
	for k, v := range entry.Data {
		if k == "source" {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s: %v", k, v))
	}

	if len(keys) > 0 {
		sort.Strings(keys)
		fields = fmt.Sprintf("[%s] ", strings.Join(keys, ", "))
	}

	var timestamp string
	if f.timestampFormat != "" {
		timestamp = entry.Time.Format(f.timestampFormat) + " "
	}

	var source string
	if src, ok := entry.Data["source"]; ok {
		source = fmt.Sprintf("%v: ", src)
	}

	level := f.parseLevel(entry.Level)

	return []byte(fmt.Sprintf("%s%s %s%s%s\n", timestamp, level, fields, source, entry.Message)), nil
}

func (f *TextFormatter) parseLevel(level logrus.Level) string {
	if len(f.levelDesc) <= int(level) {
		return ""
	}

	return f.levelDesc[level]
}
