// Package core defines the shared interfaces and the simulation clock for the backtester.
package core

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// NopLogger discards all log output. Useful as a default in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{})            {}
func (NopLogger) Info(string, ...interface{})             {}
func (NopLogger) Warn(string, ...interface{})             {}
func (NopLogger) Error(string, ...interface{})            {}
func (NopLogger) Fatal(string, ...interface{})            {}
func (n NopLogger) WithField(string, interface{}) ILogger { return n }
func (n NopLogger) WithFields(map[string]interface{}) ILogger {
	return n
}
