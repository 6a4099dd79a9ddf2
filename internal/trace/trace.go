// Package trace is a small prefix-tagged logging sink, generalizing the
// teacher's bare fmt.Printf-to-stdout idiom (btree/pager.go's evictLRU,
// btree/btree.go's recovery prints) into one writer callers can redirect or
// silence. No package in this module currently logs through it; the log
// manager writes its human-readable trace to its own io.Writer.
package trace

import (
	"fmt"
	"io"
	"os"
)

// Logger writes timestamp-free, prefix-tagged lines to an underlying
// writer. The zero value writes to os.Stdout.
type Logger struct {
	w      io.Writer
	prefix string
}

// New creates a Logger writing to w, tagging every line with prefix.
func New(w io.Writer, prefix string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{w: w, prefix: prefix}
}

// Printf writes one tagged, formatted line.
func (l *Logger) Printf(format string, args ...any) {
	w := l.w
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintf(w, "[%s] "+format+"\n", append([]any{l.prefix}, args...)...)
}

// Discard is a Logger that drops everything, for tests and library callers
// that want silence.
var Discard = New(io.Discard, "")
