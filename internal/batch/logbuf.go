package batch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/portward/portward/internal/clock"
)

// logBuffer captures sweep log lines for persistence on the run record.
// Lines below the configured level are dropped.
type logBuffer struct {
	mu    sync.Mutex
	b     strings.Builder
	clk   clock.Clock
	debug bool
}

func newLogBuffer(clk clock.Clock, level string) *logBuffer {
	return &logBuffer{clk: clk, debug: strings.EqualFold(level, "debug")}
}

func (l *logBuffer) Debugf(format string, args ...any) {
	if !l.debug {
		return
	}
	l.line("DEBUG", format, args...)
}

func (l *logBuffer) Infof(format string, args ...any) {
	l.line("INFO", format, args...)
}

func (l *logBuffer) Errorf(format string, args ...any) {
	l.line("ERROR", format, args...)
}

func (l *logBuffer) line(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.WriteString(l.clk.Now().UTC().Format(time.RFC3339))
	l.b.WriteString(" ")
	l.b.WriteString(level)
	l.b.WriteString(" ")
	fmt.Fprintf(&l.b, format, args...)
	l.b.WriteString("\n")
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}
