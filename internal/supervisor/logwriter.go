package supervisor

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

const stderrTailLines = 5

// logWriter forwards engine stderr line by line into the structured log and
// keeps the last few lines to explain a failure.
type logWriter struct {
	logger *slog.Logger

	mu      sync.Mutex
	partial []byte
	tail    []string
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		w.line(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

func (w *logWriter) line(raw []byte) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return
	}
	w.logger.Debug("ffmpeg", "line", line)
	w.tail = append(w.tail, line)
	if len(w.tail) > stderrTailLines {
		w.tail = w.tail[len(w.tail)-stderrTailLines:]
	}
}

// Flush emits unterminated output as a final line. Call it once the process
// has exited and stderr is drained.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.line(w.partial)
		w.partial = w.partial[:0]
	}
}

// Tail returns the last complete stderr line.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.tail) == 0 {
		return ""
	}
	return w.tail[len(w.tail)-1]
}
