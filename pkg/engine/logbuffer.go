package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogBuffer accumulates a result's log lines during one component attempt.
// It is safe for concurrent use; worker events arrive on another goroutine.
type LogBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
	now func() time.Time
}

// NewLogBuffer creates an empty log buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{now: time.Now}
}

// Printf appends one timestamped line.
func (l *LogBuffer) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(l.now().UTC().Format(time.RFC3339))
	l.buf.WriteByte(' ')
	l.buf.WriteString(strings.TrimRight(line, "\n"))
	l.buf.WriteByte('\n')
}

// String returns everything logged so far.
func (l *LogBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
