package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JobLogger writes a job's JSONL log file. Data writers for stdout
// and stderr run on separate goroutines, so encoding is serialized.
type JobLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewJobLogger(baseDir string, id JobId) (*JobLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, id)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &JobLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, id JobId) string {
	logFilePath := filepath.Join(baseDir, fmt.Sprintf("%s.log", id.String()))
	return logFilePath
}

func (l *JobLogger) Close() error {
	return l.file.Close()
}

// Control records a step transition.
func (l *JobLogger) Control(idx int, step Step, status StepStatus) error {
	return l.encode(NewControlLogLine(idx, step, status))
}

// DataWriter returns a writer that records command output for one
// step and stream ("stdout" or "stderr").
func (l *JobLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

func (l *JobLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

type dataWriter struct {
	logger *JobLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	entry := NewDataLogLine(w.idx, line, w.stream)
	if err := w.logger.encode(entry); err != nil {
		return 0, err
	}
	return len(p), nil
}
