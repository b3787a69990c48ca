// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the structured logger used by the engine and
// the command-line tool.
package logging // import "zombiezen.com/go/keepdb/pkg/logging"

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a leveled logger that carries fields.
type Logger interface {
	Error(format string, a ...interface{})
	Warn(format string, a ...interface{})
	Info(format string, a ...interface{})
	Debug(format string, a ...interface{})
	Trace(format string, a ...interface{})

	WithFields(map[string]interface{}) Logger
	WithField(string, interface{}) Logger
	WithError(err error) Logger
}

// StandardLogger is a Logger backed by logrus.
type StandardLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// New returns a logger writing text to standard error at info level.
func New() *StandardLogger {
	return &StandardLogger{logger: logrus.New()}
}

// Discard returns a logger that drops everything.
func Discard() *StandardLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return &StandardLogger{logger: l}
}

// SetOutput sets the destination of log lines.
func (l *StandardLogger) SetOutput(w io.Writer) {
	l.logger.SetOutput(w)
}

// SetOutputFormat selects "text" or "json" output.
func (l *StandardLogger) SetOutputFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		l.logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:          true,
			DisableLevelTruncation: true,
			PadLevelText:           true,
			QuoteEmptyFields:       true,
		})
	case "json":
		l.logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// SetLevel sets the minimum level that is written.  "none" silences
// the logger.
func (l *StandardLogger) SetLevel(level string) error {
	switch strings.ToLower(level) {
	case "none", "off":
		l.logger.SetOutput(io.Discard)
		return nil
	case "warning":
		level = "warn"
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	l.logger.SetLevel(lv)
	return nil
}

// Level returns the name of the current level.
func (l *StandardLogger) Level() string {
	return l.logger.GetLevel().String()
}

// WithFields returns a logger that adds fields to every line.
func (l *StandardLogger) WithFields(fields map[string]interface{}) Logger {
	cp := *l
	cp.fields = make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		cp.fields[k] = v
	}
	for k, v := range fields {
		cp.fields[k] = v
	}
	return &cp
}

func (l *StandardLogger) WithField(name string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{name: value})
}

func (l *StandardLogger) WithError(err error) Logger {
	return l.WithField(logrus.ErrorKey, err)
}

func (l *StandardLogger) Error(format string, a ...interface{}) {
	l.logger.WithFields(l.fields).Errorf(format, a...)
}

func (l *StandardLogger) Warn(format string, a ...interface{}) {
	l.logger.WithFields(l.fields).Warnf(format, a...)
}

func (l *StandardLogger) Info(format string, a ...interface{}) {
	l.logger.WithFields(l.fields).Infof(format, a...)
}

func (l *StandardLogger) Debug(format string, a ...interface{}) {
	l.logger.WithFields(l.fields).Debugf(format, a...)
}

func (l *StandardLogger) Trace(format string, a ...interface{}) {
	l.logger.WithFields(l.fields).Tracef(format, a...)
}
