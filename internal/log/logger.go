// Package log provides category-tagged logging for the server.
//
// Everything is written to stderr because stdout carries the MCP
// protocol stream and must stay clean.
package log

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus to add a category tag to every line and an
// optional category filter for debugging specific subsystems.
type Logger struct {
	*logrus.Logger

	mu             sync.RWMutex
	categoryFilter *regexp.Regexp
	lastLogCall    time.Time
}

// New creates a Logger at info level writing to stderr.
func New() *Logger {
	ll := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
	return &Logger{Logger: ll}
}

// SetLevel sets the logging level from a level name.
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q, should be one of: panic, fatal, error, warn, warning, info, debug, trace", level)
	}
	l.Logger.SetLevel(pl)
	return nil
}

// SetCategoryFilter compiles and installs a category filter. Only lines
// whose category matches the expression are emitted. An empty
// expression removes the filter.
func (l *Logger) SetCategoryFilter(expr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expr == "" {
		l.categoryFilter = nil
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid category filter %q: %w", expr, err)
	}
	l.categoryFilter = re
	return nil
}

// ReportCaller adds source file and line number to log output.
func (l *Logger) ReportCaller() {
	l.Logger.SetReportCaller(true)
}

// DebugMode returns true if the logger level is debug or finer.
func (l *Logger) DebugMode() bool {
	return l.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l *Logger) Tracef(category, format string, args ...any) {
	l.logf(logrus.TraceLevel, category, format, args...)
}

func (l *Logger) Debugf(category, format string, args ...any) {
	l.logf(logrus.DebugLevel, category, format, args...)
}

func (l *Logger) Infof(category, format string, args ...any) {
	l.logf(logrus.InfoLevel, category, format, args...)
}

func (l *Logger) Warnf(category, format string, args ...any) {
	l.logf(logrus.WarnLevel, category, format, args...)
}

func (l *Logger) Errorf(category, format string, args ...any) {
	l.logf(logrus.ErrorLevel, category, format, args...)
}

func (l *Logger) logf(level logrus.Level, category, format string, args ...any) {
	now := time.Now()

	l.mu.Lock()
	filter := l.categoryFilter
	elapsed := now.Sub(l.lastLogCall)
	if l.lastLogCall.IsZero() {
		elapsed = 0
	}
	l.lastLogCall = now
	l.mu.Unlock()

	if filter != nil && !filter.MatchString(category) {
		return
	}
	entry := l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", elapsed.Milliseconds()),
	})
	entry.Logf(level, format, args...)
}
