// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package log wraps seelog behind package-level leveled functions so that
// components never hold a logger reference. Lines logged before Setup are
// buffered and flushed once the logger exists.
package log

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *monitorLogger

	// Holds log closures emitted before Setup. Config loading and secret
	// resolution happen before logging bring-up, so this buffer is expected
	// to be short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
)

const defaultStackDepth = 2

// monitorLogger wraps a seelog logger with a runtime-adjustable level.
type monitorLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	m     sync.RWMutex
}

const seelogConfigTemplate = `
<seelog minlevel="%s">
  <outputs formatid="common">
    <console/>
  </outputs>
  <formats>
    <format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line) | %%Msg%%n"/>
  </formats>
</seelog>`

// Setup configures the package logger at the given level. Call once at
// process start; safe to call again to replace the sink (tests do this).
func Setup(level string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	inner, err := seelog.LoggerFromConfigAsString(fmt.Sprintf(seelogConfigTemplate, lvl.String()))
	if err != nil {
		return err
	}
	inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck
	SetupLogger(inner, lvl.String())
	return nil
}

// SetupLogger installs a prebuilt seelog logger. Exposed for tests that
// want to capture output.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger = &monitorLogger{inner: l, level: lvl}

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, line := range logsBuffer {
		line()
	}
	logsBuffer = []func(){}
}

// ChangeLogLevel adjusts the minimum level at runtime.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return fmt.Errorf("logger not initialized")
	}
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("bad log level %q", level)
	}
	logger.m.Lock()
	logger.level = lvl
	logger.m.Unlock()
	return nil
}

// Flush flushes any buffered log output.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	if bufferLogsBeforeInit {
		logsBuffer = append(logsBuffer, logHandle)
	}
}

func (l *monitorLogger) shouldLog(level seelog.LogLevel) bool {
	l.m.RLock()
	ok := level >= l.level
	l.m.RUnlock()
	return ok
}

func logf(level seelog.LogLevel, format string, params ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { logf(level, format, params...) })
		return
	}
	if !logger.shouldLog(level) {
		return
	}
	logger.m.RLock()
	defer logger.m.RUnlock()
	switch level {
	case seelog.TraceLvl:
		logger.inner.Tracef(format, params...)
	case seelog.DebugLvl:
		logger.inner.Debugf(format, params...)
	case seelog.InfoLvl:
		logger.inner.Infof(format, params...)
	case seelog.WarnLvl:
		logger.inner.Warnf(format, params...) //nolint:errcheck
	case seelog.ErrorLvl:
		logger.inner.Errorf(format, params...) //nolint:errcheck
	case seelog.CriticalLvl:
		logger.inner.Criticalf(format, params...) //nolint:errcheck
	}
}

// Tracef formats message according to format specifier and logs it at the trace level.
func Tracef(format string, params ...interface{}) {
	logf(seelog.TraceLvl, format, params...)
}

// Debugf formats message according to format specifier and logs it at the debug level.
func Debugf(format string, params ...interface{}) {
	logf(seelog.DebugLvl, format, params...)
}

// Infof formats message according to format specifier and logs it at the info level.
func Infof(format string, params ...interface{}) {
	logf(seelog.InfoLvl, format, params...)
}

// Warnf formats message according to format specifier and logs it at the warn level.
func Warnf(format string, params ...interface{}) error {
	logf(seelog.WarnLvl, format, params...)
	return fmt.Errorf(format, params...)
}

// Errorf formats message according to format specifier and logs it at the error level.
func Errorf(format string, params ...interface{}) error {
	logf(seelog.ErrorLvl, format, params...)
	return fmt.Errorf(format, params...)
}

// Criticalf formats message according to format specifier and logs it at the critical level.
func Criticalf(format string, params ...interface{}) error {
	logf(seelog.CriticalLvl, format, params...)
	return fmt.Errorf(format, params...)
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Debug(v...) })
		return
	}
	if logger.shouldLog(seelog.DebugLvl) {
		logger.inner.Debug(v...)
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Info(v...) })
		return
	}
	if logger.shouldLog(seelog.InfoLvl) {
		logger.inner.Info(v...)
	}
}

// Warn logs at the warn level.
func Warn(v ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Warn(v...) })
		return
	}
	if logger.shouldLog(seelog.WarnLvl) {
		logger.inner.Warn(v...) //nolint:errcheck
	}
}

// Error logs at the error level.
func Error(v ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Error(v...) })
		return
	}
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.inner.Error(v...) //nolint:errcheck
	}
}
