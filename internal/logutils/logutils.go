/*
Copyright 2024 Fleetforge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logutils configures the engine's structured logger. It is the
// only package that changes logrus's process-global settings (level,
// formatter, output, hooks); other packages log through entries scoped
// with a trace.Component field.
package logutils

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Purpose distinguishes a long-running daemon/engine process from a
// short CLI invocation, mirroring how much gets written to stderr by
// default.
type Purpose int

const (
	ForEngine Purpose = iota
	ForCLI
)

// Init configures the standard logger for the given purpose and level.
func Init(purpose Purpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)

	switch purpose {
	case ForCLI:
		if level == logrus.DebugLevel {
			logrus.SetFormatter(textFormatter())
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	default:
		logrus.SetFormatter(textFormatter())
		logrus.SetOutput(os.Stderr)
	}
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Component returns a logger scoped to a named component, following the
// trace.Component field convention used throughout the engine.
func Component(name string) logrus.FieldLogger {
	return logrus.WithField(trace.Component, name)
}

// WithFields is a small convenience wrapper so callers don't import
// logrus just to build a Fields map.
func WithFields(base logrus.FieldLogger, fields map[string]interface{}) logrus.FieldLogger {
	return base.WithFields(logrus.Fields(fields))
}
