package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/richardartoul/lockedcache/pkg/staleness"
)

// Memory is an in-process Store used by tests. Artifact bytes and timestamps
// live in a map; Publish still hands the writer a real temp file because
// producers (external commands) write to paths.
type Memory struct {
	sync.Mutex
	clock   staleness.Clock
	scratch string
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	modTime time.Time
}

// NewMemory creates a Memory store. scratch is a directory for the temp files
// handed to writers; clock stamps published artifacts.
func NewMemory(scratch string, clock staleness.Clock) *Memory {
	if clock == nil {
		clock = staleness.SystemClock{}
	}
	return &Memory{
		clock:   clock,
		scratch: scratch,
		entries: make(map[string]memoryEntry),
	}
}

func (m *Memory) Dir() string {
	return m.scratch
}

func (m *Memory) Path(key string) string {
	return filepath.Join(m.scratch, Canonicalize(key))
}

func (m *Memory) LockPath(key string) string {
	return m.Path(key) + ".lock"
}

func (m *Memory) Stat(key string) (time.Time, bool, error) {
	m.Lock()
	defer m.Unlock()
	e, ok := m.entries[Canonicalize(key)]
	return e.modTime, ok, nil
}

func (m *Memory) Open(key string) (io.ReadCloser, error) {
	m.Lock()
	defer m.Unlock()
	e, ok := m.entries[Canonicalize(key)]
	if !ok {
		return nil, fmt.Errorf("failed to open artifact: %w", os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

func (m *Memory) Publish(key string, write func(tmpPath string) error) error {
	tmp, err := os.CreateTemp(m.scratch, "mem-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := write(tmpPath); err != nil {
		return err
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to read temp file: %w", err)
	}

	m.Lock()
	m.entries[Canonicalize(key)] = memoryEntry{data: data, modTime: m.clock.Now()}
	m.Unlock()
	return nil
}

func (m *Memory) Invalidate(key string) error {
	m.Lock()
	defer m.Unlock()
	k := Canonicalize(key)
	if e, ok := m.entries[k]; ok {
		e.modTime = staleness.Invalidated()
		m.entries[k] = e
	}
	return nil
}
