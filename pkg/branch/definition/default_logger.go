// Package definition holds the default, ready-to-use logger a branch falls
// back to when the caller does not supply its own. The baseline
// configuration lives in types.DefaultConfiguration.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// DefaultLogger is the logrus-backed types.Logger every branch uses
// unless the caller supplies its own, the same way the teacher's
// DefaultLogger backs its DefaultConfiguration.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds a DefaultLogger writing text-formatted entries
// to stderr at info level, with debug output gated behind ToggleDebug.
func NewDefaultLogger() *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{entry: logrus.NewEntry(base)}
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Logger.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})  { l.entry.Logger.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                  { l.entry.Logger.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})  { l.entry.Logger.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                 { l.entry.Logger.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Logger.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	l.entry.Logger.Debug(v...)
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.entry.Logger.Debugf(format, v...)
}

func (l *DefaultLogger) Fatal(v ...interface{}) {
	l.entry.Logger.Fatal(v...)
}

func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Logger.Fatalf(format, v...)
}

// ToggleDebug switches the underlying logger between info and debug
// level and reports the new state, matching the teacher's DefaultLogger
// semantics for runtime-adjustable verbosity.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}

var _ types.Logger = (*DefaultLogger)(nil)
