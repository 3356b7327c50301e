package types

// Logger is the logging surface every package in this module takes
// instead of calling a global logger directly, mirroring the teacher's
// own DefaultLogger method set.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}
