// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log wraps seelog so the rest of the agent logs through a single,
// lazily-initialized logger.
package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *agentLogger

	// This buffer holds log lines emitted before the logger is set up. Even
	// though initializing the logger is one of the first things the agent
	// does, config loading may log before that.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

const consoleFormat = "%Date(2006-01-02 15:04:05 MST) | %LEVEL | (%ShortFilePath:%Line in %FuncShort) | %Msg%n"

// agentLogger is a wrapper structure for seelog
type agentLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the logger singleton with a seelog interface
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &agentLogger{
		inner: l,
	}

	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// We never call the wrapper directly, only the exported functions below,
	// which adds frames to skip to reach the original caller.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// SetupDefaultLogger sets up a console logger at the given level. Used by
// tests and by the agent before a file logger is configured.
func SetupDefaultLogger(level string) error {
	l, err := seelog.LoggerFromWriterWithMinLevelAndFormat(os.Stderr, seelog.TraceLvl, consoleFormat)
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *agentLogger) trace(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Trace(s)
}

func (sw *agentLogger) debug(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Debug(s)
}

func (sw *agentLogger) info(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Info(s)
}

func (sw *agentLogger) warn(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Warn(s)
}

func (sw *agentLogger) error(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Error(s)
}

func (sw *agentLogger) critical(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Critical(s)
}

func (sw *agentLogger) shouldLog(lvl seelog.LogLevel) bool {
	sw.l.RLock()
	defer sw.l.RUnlock()
	return lvl >= sw.level
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Trace(v...) })
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprint(v...))
	}
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Tracef(format, params...) })
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprintf(format, params...))
	}
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Debug(v...) })
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprint(v...))
	}
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Debugf(format, params...) })
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprintf(format, params...))
	}
}

// Info logs at the info level
func Info(v ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Info(v...) })
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprint(v...))
	}
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Infof(format, params...) })
		return
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprintf(format, params...))
	}
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Warn(v...) }) //nolint:errcheck
		return fmt.Errorf("%s", msg)
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		return logger.warn(msg)
	}
	return fmt.Errorf("%s", msg)
}

// Warnf logs with format at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Warnf(format, params...) }) //nolint:errcheck
		return fmt.Errorf("%s", msg)
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		return logger.warn(msg)
	}
	return fmt.Errorf("%s", msg)
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Error(v...) }) //nolint:errcheck
		return fmt.Errorf("%s", msg)
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		return logger.error(msg)
	}
	return fmt.Errorf("%s", msg)
}

// Errorf logs with format at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Errorf(format, params...) }) //nolint:errcheck
		return fmt.Errorf("%s", msg)
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		return logger.error(msg)
	}
	return fmt.Errorf("%s", msg)
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Critical(v...) }) //nolint:errcheck
		return fmt.Errorf("%s", msg)
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		return logger.critical(msg)
	}
	return fmt.Errorf("%s", msg)
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Criticalf(format, params...) }) //nolint:errcheck
		return fmt.Errorf("%s", msg)
	}
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		return logger.critical(msg)
	}
	return fmt.Errorf("%s", msg)
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
