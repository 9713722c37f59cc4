/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package logging provides structured, leveled logging for driftlog.
Component loggers attach key-value fields to each entry; output is either
human-readable text or one JSON object per line.
*/
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota
	// INFO level for general operational information.
	INFO
	// WARN level for warning conditions.
	WARN
	// ERROR level for error conditions.
	ERROR
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Entry is a single log entry with its metadata.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

var (
	globalMu     sync.RWMutex
	globalLevel  = INFO
	globalOutput io.Writer = os.Stdout
	globalJSON   bool
)

// SetGlobalLevel sets the minimum level emitted by all loggers.
func SetGlobalLevel(level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = level
}

// SetGlobalOutput redirects all loggers to w.
func SetGlobalOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalOutput = w
}

// SetJSONMode switches between text and JSON-lines output.
func SetJSONMode(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalJSON = enabled
}

// Logger emits entries tagged with a component name.
type Logger struct {
	component string
	mu        sync.Mutex
}

// NewLogger creates a Logger for the given component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, kv ...any) { l.log(DEBUG, msg, kv...) }

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, kv ...any) { l.log(INFO, msg, kv...) }

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, kv ...any) { l.log(WARN, msg, kv...) }

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, kv ...any) { l.log(ERROR, msg, kv...) }

// log builds and writes an entry. kv is interpreted as alternating keys
// and values; a dangling value lands under "extra".
func (l *Logger) log(level Level, msg string, kv ...any) {
	globalMu.RLock()
	minLevel, output, jsonMode := globalLevel, globalOutput, globalJSON
	globalMu.RUnlock()

	if level < minLevel {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
	}
	if len(kv) > 0 {
		entry.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				key = fmt.Sprintf("arg%d", i)
			}
			entry.Fields[key] = kv[i+1]
		}
		if len(kv)%2 != 0 {
			entry.Fields["extra"] = kv[len(kv)-1]
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if jsonMode {
		writeJSON(output, entry)
	} else {
		writeText(output, entry)
	}
}

func writeJSON(w io.Writer, entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(w, "ERROR: failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

// writeText renders: 2006-01-02T15:04:05.000Z [LEVEL] [component] message k=v ...
// Fields are sorted so lines are stable for grepping and tests.
func writeText(w io.Writer, entry Entry) {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&b, " [%-5s] [%s] %s", entry.Level, entry.Component, entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
		}
	}
	fmt.Fprintln(w, b.String())
}
