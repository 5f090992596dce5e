// Copyright 2023 Google Inc. All Rights Reserved.
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
	"log/slog"

	"github.com/vfsd/vfsd/cfg"
)

const (
	// LevelTrace sits below debug so that every other level is logged when it
	// is selected.
	LevelTrace = slog.Level(-8)
	// LevelOff sits above error so that nothing is logged when it is selected.
	LevelOff = slog.Level(12)

	textTimeLayout = "02/01/2006 15:04:05.000000"
)

func setLoggingLevel(level cfg.LogSeverity, programLevel *slog.LevelVar) {
	// logs having severity >= the configured value will be logged.
	switch level {
	case cfg.TraceLogSeverity:
		programLevel.Set(LevelTrace)
	case cfg.DebugLogSeverity:
		programLevel.Set(slog.LevelDebug)
	case cfg.InfoLogSeverity:
		programLevel.Set(slog.LevelInfo)
	case cfg.WarningLogSeverity:
		programLevel.Set(slog.LevelWarn)
	case cfg.ErrorLogSeverity:
		programLevel.Set(slog.LevelError)
	case cfg.OffLogSeverity:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(slog.LevelInfo)
	}
}

func severityName(level slog.Level) string {
	switch {
	case level < slog.LevelDebug:
		return string(cfg.TraceLogSeverity)
	case level < slog.LevelInfo:
		return string(cfg.DebugLogSeverity)
	case level < slog.LevelWarn:
		return string(cfg.InfoLogSeverity)
	case level < slog.LevelError:
		return string(cfg.WarningLogSeverity)
	default:
		return string(cfg.ErrorLogSeverity)
	}
}

// getHandlerOptions renames the built-in attributes to severity, message and
// timestamp, the keys log collectors expect.
func getHandlerOptions(levelVar *slog.LevelVar, prefix string, format string) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}

			switch a.Key {
			case slog.LevelKey:
				a.Key = "severity"
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(severityName(level))
				}
			case slog.TimeKey:
				t := a.Value.Time()
				if format == "json" {
					a.Key = "timestamp"
					a.Value = slog.GroupValue(
						slog.Int64("seconds", t.Unix()),
						slog.Int64("nanos", int64(t.Nanosecond())),
					)
				} else {
					a.Value = slog.StringValue(t.Format(textTimeLayout))
				}
			case slog.MessageKey:
				a.Key = "message"
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
			return a
		},
	}
}
