package core

// Logger is any service that can report application events.
// expected args fmt: error, map[string]interface{}, or a user value the implementation knows how to attach.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

type nopLogger struct{}

// NopLogger discards everything; handy in tests.
// It is a pointer so constructors can nil-check it with vala.
func NopLogger() Logger { return &nopLogger{} }

func (*nopLogger) Debug(string, ...interface{}) {}
func (*nopLogger) Info(string, ...interface{})  {}
func (*nopLogger) Warn(string, ...interface{})  {}
func (*nopLogger) Error(string, ...interface{}) {}
func (*nopLogger) Fatal(string, ...interface{}) {}
