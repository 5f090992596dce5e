// Copyright 2020 Google Inc. All Rights Reserved.
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

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/vfsd/vfsd/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu                   sync.Mutex
	defaultLoggerFactory *loggerFactory
	defaultLogger        *slog.Logger
)

// InitLogFile points the default logger at the file configured in
// newLogConfig, rotated according to its log-rotate section. With an empty
// file path logs keep going to stderr; severity and format still apply.
func InitLogFile(newLogConfig cfg.LoggingConfig) error {
	mu.Lock()
	defer mu.Unlock()

	var file io.WriteCloser
	if newLogConfig.FilePath != "" {
		// Fail early when the file can't be created, lumberjack would only
		// report it on the first write.
		f, err := os.OpenFile(string(newLogConfig.FilePath), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		f.Close()

		file = &lumberjack.Logger{
			Filename:   string(newLogConfig.FilePath),
			MaxSize:    int(newLogConfig.LogRotate.MaxFileSizeMb),
			MaxBackups: int(newLogConfig.LogRotate.BackupFileCount),
			Compress:   newLogConfig.LogRotate.Compress,
		}
	}

	closeFile()
	defaultLoggerFactory = &loggerFactory{
		file:   file,
		format: newLogConfig.Format,
		level:  newLogConfig.Severity,
	}
	defaultLogger = defaultLoggerFactory.newLogger(newLogConfig.Severity)

	return nil
}

// init initializes the logger factory to use stderr.
func init() {
	defaultLoggerFactory = &loggerFactory{
		format: "text",
		level:  cfg.InfoLogSeverity,
	}
	defaultLogger = defaultLoggerFactory.newLogger(cfg.InfoLogSeverity)
}

// SetLogFormat updates the format of the default logger, keeping its
// destination and severity.
func SetLogFormat(format string) {
	mu.Lock()
	defer mu.Unlock()

	if format == "" {
		return
	}
	defaultLoggerFactory.format = format
	defaultLogger = defaultLoggerFactory.newLogger(defaultLoggerFactory.level)
}

// Close closes the log file when necessary.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeFile()
}

func closeFile() {
	if f := defaultLoggerFactory.file; f != nil {
		f.Close()
		defaultLoggerFactory.file = nil
	}
}

// Tracef prints the message with TRACE severity in the specified format.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

// Debugf prints the message with DEBUG severity in the specified format.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

// Infof prints the message with INFO severity in the specified format.
func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

// Warnf prints the message with WARNING severity in the specified format.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

// Errorf prints the message with ERROR severity in the specified format.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}

type loggerFactory struct {
	// If nil, log to stderr. Otherwise, log to this file.
	file   io.WriteCloser
	format string
	level  cfg.LogSeverity
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	return os.Stderr
}

func (f *loggerFactory) newLogger(level cfg.LogSeverity) *slog.Logger {
	var programLevel = new(slog.LevelVar)
	setLoggingLevel(level, programLevel)
	return slog.New(f.createJsonOrTextHandler(f.writer(), programLevel, ""))
}

func (f *loggerFactory) createJsonOrTextHandler(writer io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	if f.format == "json" {
		return slog.NewJSONHandler(writer, getHandlerOptions(levelVar, prefix, f.format))
	}
	return slog.NewTextHandler(writer, getHandlerOptions(levelVar, prefix, f.format))
}
