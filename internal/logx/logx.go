// Package logx provides the engine's warning and error log.
//
// The log target defaults to stderr and can be redirected to any writer
// (a file, a rotating writer, io.Discard). Debug output is off unless
// DBSYNC_DEBUG is set or SetVerbose is called.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	target  io.Writer = os.Stderr
	verbose           = os.Getenv("DBSYNC_DEBUG") != ""
)

// SetTarget redirects warnings and errors to w. A nil w restores stderr.
func SetTarget(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	target = w
}

// SetVerbose enables or disables debug output.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

func logf(level, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(target, "%s %s dbsync: %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))
}

// Warnf logs a warning.
func Warnf(format string, args ...any) { logf("WARN", format, args...) }

// Errorf logs an error.
func Errorf(format string, args ...any) { logf("ERROR", format, args...) }

// Debugf logs only when verbose mode is on.
func Debugf(format string, args ...any) {
	mu.Lock()
	v := verbose
	mu.Unlock()
	if v {
		logf("DEBUG", format, args...)
	}
}
