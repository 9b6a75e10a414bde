package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNilWriter is returned by AuditLogger.Log when the logger has no writer.
var ErrNilWriter = errors.New("audit logger: writer is nil")

// redacted replaces secret parameter values in audit entries.
const redacted = "[redacted]"

// secretParams are never written to the audit log.
var secretParams = map[string]struct{}{
	"confirmation_token": {},
}

// AuditEntry captures a single tool invocation for the audit log.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	Result    string         `json:"result"`
	Duration  time.Duration  `json:"duration_ns"`
}

// AuditLogger writes AuditEntry records as newline-delimited JSON. It is
// safe for concurrent use.
type AuditLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewAuditLogger returns an AuditLogger that writes to w, or nil when w is
// nil.
func NewAuditLogger(w io.Writer) *AuditLogger {
	if w == nil {
		return nil
	}
	return &AuditLogger{w: w}
}

// OpenAuditLog opens path for appending, creating it and its directory, and
// returns a logger on it. The caller closes the file.
func OpenAuditLog(path string) (*AuditLogger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewAuditLogger(f), f, nil
}

// Log writes entry as one JSON line. Secret parameters are redacted.
func (l *AuditLogger) Log(entry AuditEntry) error {
	if l == nil || l.w == nil {
		return ErrNilWriter
	}

	entry.Params = redact(entry.Params)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(data)
	return err
}

func redact(params map[string]any) map[string]any {
	var out map[string]any
	for k := range params {
		if _, ok := secretParams[k]; !ok {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(params))
			for k2, v := range params {
				out[k2] = v
			}
		}
		out[k] = redacted
	}
	if out == nil {
		return params
	}
	return out
}
