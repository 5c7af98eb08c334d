package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// entryHook runs on every emitted entry. It points Caller at the first frame
// outside logrus and this package, and feeds the per-component warn and
// error counters.
type entryHook struct{}

func (entryHook) Levels() []logrus.Level { return logrus.AllLevels }

func (entryHook) Fire(entry *logrus.Entry) error {
	switch entry.Level {
	case logrus.WarnLevel:
		recordWarn(componentOf(entry))
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		recordError(componentOf(entry))
	}

	if entry.Logger.ReportCaller {
		entry.Caller = callSite()
	}
	return nil
}

func componentOf(entry *logrus.Entry) string {
	if c, ok := entry.Data["component"].(string); ok && c != "" {
		return c
	}
	return "unknown"
}

func callSite() *runtime.Frame {
	var pcs [24]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function == "" {
			return nil
		}
		if !strings.Contains(frame.Function, "sirupsen/logrus") &&
			!strings.HasPrefix(frame.Function, "ingestflow/logger.") {
			return &frame
		}
		if !more {
			return nil
		}
	}
}
