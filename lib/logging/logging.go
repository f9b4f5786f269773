// Package logging provides the leveled, component-tagged logging
// calls used throughout this module, grounded on the fs.Debugf /
// fs.Infof / fs.Errorf call convention used across rclone's backends
// (e.g. backend/cache/handle.go's fs.Debugf(remote, "...", args...)),
// reimplemented on top of logrus since this module carries no
// rclone-style central fs logger of its own.
package logging

import (
	"github.com/sirupsen/logrus"
)

var base = logrus.StandardLogger()

// SetLevel adjusts the minimum level that gets logged.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// SetFormatter lets callers switch to JSON output for production use.
func SetFormatter(f logrus.Formatter) {
	base.SetFormatter(f)
}

func entry(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Debugf logs a debug-level message tagged with component, the
// rough equivalent of rclone's fs.Debugf(component, format, args...).
func Debugf(component, format string, args ...interface{}) {
	entry(component).Debugf(format, args...)
}

// Infof logs an info-level message tagged with component.
func Infof(component, format string, args ...interface{}) {
	entry(component).Infof(format, args...)
}

// Warnf logs a warning-level message tagged with component.
func Warnf(component, format string, args ...interface{}) {
	entry(component).Warnf(format, args...)
}

// Errorf logs an error-level message tagged with component.
func Errorf(component, format string, args ...interface{}) {
	entry(component).Errorf(format, args...)
}
