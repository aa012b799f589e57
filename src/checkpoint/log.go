package checkpoint

import (
	logs "github.com/danmuck/smplog"
)

// Logger receives progress and warnings from writers and readers.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type smplogLogger struct{}

// DefaultLogger forwards to the process-wide smplog configuration.
func DefaultLogger() Logger {
	return smplogLogger{}
}

func (smplogLogger) Debugf(format string, args ...any) { logs.Debugf(format, args...) }
func (smplogLogger) Infof(format string, args ...any)  { logs.Infof(format, args...) }
func (smplogLogger) Warnf(format string, args ...any)  { logs.Warnf(format, args...) }
