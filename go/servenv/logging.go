// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	loggerOnce sync.Once
	loggerMu   sync.Mutex
	logger     *slog.Logger
)

// RegisterLoggingFlags registers --log-level, --log-format and --log-output
// on fs and binds them into v, so the PGGATE_LOG_* environment variables
// work as well.
func RegisterLoggingFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "json", "Log format (json, text)")
	fs.String("log-output", "stderr", "Log output (stdout, stderr, or file path)")
	for _, name := range []string{"log-level", "log-format", "log-output"} {
		_ = v.BindPFlag(name, fs.Lookup(name))
	}
}

// SetupLogging builds the process logger from the parsed configuration and
// installs it as the slog default. Idempotent; the first call wins.
func SetupLogging(v *viper.Viper) *slog.Logger {
	loggerOnce.Do(func() {
		var level slog.Level
		switch strings.ToLower(v.GetString("log-level")) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var output io.Writer
		outputStr := v.GetString("log-output")
		switch strings.ToLower(outputStr) {
		case "stdout":
			output = os.Stdout
		case "stderr", "":
			output = os.Stderr
		default:
			file, err := os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				output = os.Stderr
			} else {
				output = file
			}
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if strings.ToLower(v.GetString("log-format")) == "text" {
			handler = slog.NewTextHandler(output, opts)
		} else {
			handler = slog.NewJSONHandler(output, opts)
		}

		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)

		loggerMu.Lock()
		logger = newLogger
		loggerMu.Unlock()

		newLogger.Info("logging initialized",
			"level", v.GetString("log-level"),
			"format", v.GetString("log-format"),
			"output", outputStr,
		)
	})
	return GetLogger()
}

// GetLogger returns the process logger, falling back to the slog default
// before SetupLogging runs.
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}
