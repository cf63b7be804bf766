package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Log contains the logger used by all the logging functions.
var Log Logger

// Ctx is the logging context.
type Ctx map[string]any

// Logger is the main logging interface.
type Logger interface {
	Panic(msg string, ctx ...Ctx)
	Fatal(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Debug(msg string, ctx ...Ctx)
	Trace(msg string, ctx ...Ctx)
	AddContext(ctx Ctx) Logger
}

// InitLogger initializes a new logger targeting stderr.
func InitLogger(verbose bool, debug bool) error {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if verbose {
		logger.SetLevel(logrus.InfoLevel)
	}

	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	Log = newWrapper(logger.WithFields(nil))

	return nil
}

type logWrapper struct {
	entry *logrus.Entry
}

func newWrapper(entry *logrus.Entry) Logger {
	return &logWrapper{entry: entry}
}

func (lw *logWrapper) Panic(msg string, ctx ...Ctx) {
	lw.entry.WithFields(ctxToFields(ctx)).Panic(msg)
}

func (lw *logWrapper) Fatal(msg string, ctx ...Ctx) {
	lw.entry.WithFields(ctxToFields(ctx)).Fatal(msg)
}

func (lw *logWrapper) Error(msg string, ctx ...Ctx) {
	lw.entry.WithFields(ctxToFields(ctx)).Error(msg)
}

func (lw *logWrapper) Warn(msg string, ctx ...Ctx) {
	lw.entry.WithFields(ctxToFields(ctx)).Warn(msg)
}

func (lw *logWrapper) Info(msg string, ctx ...Ctx) {
	lw.entry.WithFields(ctxToFields(ctx)).Info(msg)
}

func (lw *logWrapper) Debug(msg string, ctx ...Ctx) {
	lw.entry.WithFields(ctxToFields(ctx)).Debug(msg)
}

func (lw *logWrapper) Trace(msg string, ctx ...Ctx) {
	lw.entry.WithFields(ctxToFields(ctx)).Trace(msg)
}

func (lw *logWrapper) AddContext(ctx Ctx) Logger {
	return newWrapper(lw.entry.WithFields(ctxToFields([]Ctx{ctx})))
}

func ctxToFields(ctx []Ctx) logrus.Fields {
	fields := logrus.Fields{}
	for _, c := range ctx {
		for k, v := range c {
			fields[k] = v
		}
	}

	return fields
}

// Panic logs a panic message and panics.
func Panic(msg string, ctx ...Ctx) {
	Log.Panic(msg, ctx...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, ctx ...Ctx) {
	Log.Fatal(msg, ctx...)
}

// Error logs an error message.
func Error(msg string, ctx ...Ctx) {
	Log.Error(msg, ctx...)
}

// Warn logs a warning message.
func Warn(msg string, ctx ...Ctx) {
	Log.Warn(msg, ctx...)
}

// Info logs an information message.
func Info(msg string, ctx ...Ctx) {
	Log.Info(msg, ctx...)
}

// Debug logs a debug message.
func Debug(msg string, ctx ...Ctx) {
	Log.Debug(msg, ctx...)
}

// Trace logs a trace message.
func Trace(msg string, ctx ...Ctx) {
	Log.Trace(msg, ctx...)
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) {
	Log.Error(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...any) {
	Log.Warn(fmt.Sprintf(format, args...))
}

// Infof logs a formatted information message.
func Infof(format string, args ...any) {
	Log.Info(fmt.Sprintf(format, args...))
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) {
	Log.Debug(fmt.Sprintf(format, args...))
}

// AddContext returns a new logger with the given context added.
func AddContext(ctx Ctx) Logger {
	return Log.AddContext(ctx)
}

func init() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	Log = newWrapper(logger.WithFields(nil))
}
