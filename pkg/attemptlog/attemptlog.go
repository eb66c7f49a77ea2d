// Package attemptlog appends one line per external command attempt to a log
// file shared by every process using a cache directory.
package attemptlog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danjacques/gofslock/fslock"
)

const (
	// FileName is the log file created in the cache directory.
	FileName = "attempts.log"

	defaultLockWait     = 2 * time.Second
	defaultLockInterval = 10 * time.Millisecond
)

var errLockWaitExpired = errors.New("attempt log lock wait expired")

// Entry is one attempt record.
type Entry struct {
	Time        time.Time
	Instance    string
	Key         string
	Attempt     int
	MaxAttempts int
	Outcome     string
	ExitCode    int
	ID          string
	// Stderr is the diagnostic output; only its first non-empty line is
	// logged, the full text stays with the caller.
	Stderr string
}

// Log is an append-only, line-oriented log. Appends from different processes
// are serialized by a dedicated lock file so lines never interleave; it is
// distinct from the per-key cache locks so logging never waits on a build.
type Log struct {
	path     string
	lockPath string
	lockWait time.Duration
	logger   *slog.Logger
}

// Options configures a Log.
type Options struct {
	// LockWait bounds how long an append waits for the log lock. Once it
	// expires the line is dropped with a warning.
	LockWait time.Duration
	Logger   *slog.Logger
}

// New returns a Log writing to dir/attempts.log.
func New(dir string, opts Options) *Log {
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	path := filepath.Join(dir, FileName)
	return &Log{
		path:     path,
		lockPath: path + ".lock",
		lockWait: opts.LockWait,
		logger:   opts.Logger,
	}
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Append writes e as a single line. Failures are logged, not returned: the
// attempt log is diagnostic and must never fail a refresh.
func (l *Log) Append(e Entry) {
	line := Format(e)
	deadline := time.Now().Add(l.lockWait)
	blocker := func() error {
		if time.Now().After(deadline) {
			return errLockWaitExpired
		}
		time.Sleep(defaultLockInterval)
		return nil
	}

	err := fslock.WithBlocking(l.lockPath, blocker, func() error {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open attempt log: %w", err)
		}
		_, err = f.WriteString(line)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("failed to write attempt log: %w", err)
		}
		return closeErr
	})
	if err != nil {
		l.logger.Warn("failed to append to attempt log",
			"path", l.path,
			"key", e.Key,
			"error", err)
	}
}

// Format renders e as a newline-terminated log line.
func Format(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Time.UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(e.Instance)
	b.WriteString(" key=")
	b.WriteString(strconv.Quote(e.Key))
	fmt.Fprintf(&b, " attempt=%d/%d outcome=%s exit=%d id=%s",
		e.Attempt, e.MaxAttempts, e.Outcome, e.ExitCode, e.ID)
	if first := firstLine(e.Stderr); first != "" {
		b.WriteString(" stderr=")
		b.WriteString(strconv.Quote(first))
	}
	b.WriteByte('\n')
	return b.String()
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
