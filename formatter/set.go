package formatter

import "github.com/sirupsen/logrus"

// SetTextFormatter set the formatter for given logger.
func SetTextFormatter(logger *logrus.Logger, style TimestampStyle) {
	logger.Formatter = NewTextFormatter(style)
	logger.ReportCaller = true
	logger.AddHook(NewContextHook())
}
