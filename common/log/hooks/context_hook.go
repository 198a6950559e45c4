// Package hooks holds logrus hooks shared by gridsched binaries and tests.
package hooks

import (
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const modulePrefix = "gridsched/"

type contextHook struct{}

// NewContextHook annotates every entry with the file:line of the logging call site.
func NewContextHook() log.Hook {
	return contextHook{}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		// Skip frames inside logrus itself.
		if !strings.Contains(frame.File, "sirupsen/logrus") {
			entry.Data["file:line"] = trimFile(frame.File) + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

func trimFile(file string) string {
	if idx := strings.LastIndex(file, modulePrefix); idx >= 0 {
		return file[idx+len(modulePrefix):]
	}
	return file
}
