/*
Copyright MatrixInfer-AI Authors.

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

package accesslog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Entry is one access log record.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Protocol   string    `json:"protocol"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id,omitempty"`

	KeySource string `json:"key_source,omitempty"`
	Prefill   string `json:"prefill,omitempty"`
	Decode    string `json:"decode,omitempty"`
	Policy    string `json:"policy,omitempty"`

	DurationMs        int64 `json:"duration_ms"`
	PrefillDurationMs int64 `json:"prefill_duration_ms,omitempty"`
	DecodeDurationMs  int64 `json:"decode_duration_ms,omitempty"`

	Error string `json:"error,omitempty"`
}

type Logger interface {
	Log(entry *Entry) error
}

type Config struct {
	Enabled bool
	Format  Format
	// File, when set, sends records to a rotating file instead of stdout.
	File string
}

type accessLogger struct {
	format Format
	mutex  sync.Mutex
	out    io.Writer
	file   *logrus.Entry
}

type noopLogger struct{}

func (noopLogger) Log(*Entry) error { return nil }

func NewLogger(cfg Config) Logger {
	if !cfg.Enabled {
		return noopLogger{}
	}
	l := &accessLogger{format: cfg.Format, out: os.Stdout}
	if l.format == "" {
		l.format = FormatJSON
	}
	if cfg.File != "" {
		logger.SetFileLoggerPath(cfg.File)
		l.file = logger.NewFileLogger("access")
	}
	return l
}

func (l *accessLogger) Log(entry *Entry) error {
	var line string
	var err error
	switch l.format {
	case FormatText:
		line = formatText(entry)
	default:
		line, err = formatJSON(entry)
	}
	if err != nil {
		return err
	}

	if l.file != nil {
		l.file.Info(line)
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	_, err = fmt.Fprintln(l.out, line)
	return err
}

func formatJSON(entry *Entry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal access log entry: %w", err)
	}
	return string(data), nil
}

func formatText(entry *Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] \"%s %s %s\" %d %dms",
		entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), entry.Method, entry.Path, entry.Protocol,
		entry.StatusCode, entry.DurationMs)
	if entry.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", entry.RequestID)
	}
	if entry.KeySource != "" {
		fmt.Fprintf(&b, " key=%s", entry.KeySource)
	}
	if entry.Prefill != "" || entry.Decode != "" {
		fmt.Fprintf(&b, " prefill=%s decode=%s", entry.Prefill, entry.Decode)
	}
	if entry.Policy != "" {
		fmt.Fprintf(&b, " policy=%s", entry.Policy)
	}
	if entry.PrefillDurationMs > 0 || entry.DecodeDurationMs > 0 {
		fmt.Fprintf(&b, " timings=%d+%dms", entry.PrefillDurationMs, entry.DecodeDurationMs)
	}
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%s", entry.Error)
	}
	return b.String()
}
