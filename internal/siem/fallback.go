package siem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sark-io/sark/internal/audit"
)

// Fallback appends undeliverable batches to one JSONL file per UTC day.
// Every append is fsynced so events survive a crash; replay is an
// operator concern, not the forwarder's.
type Fallback struct {
	mu    sync.Mutex
	dir   string
	day   string
	file  *os.File
	nowFn func() time.Time

	written atomic.Int64
}

// NewFallback prepares the fallback directory.
func NewFallback(dir string) (*Fallback, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("siem: create fallback dir: %w", err)
	}
	return &Fallback{dir: dir, nowFn: time.Now}, nil
}

// Append writes events one per line to today's file and fsyncs.
func (f *Fallback) Append(events []*audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	day := f.nowFn().UTC().Format("2006-01-02")
	if f.file == nil || day != f.day {
		if f.file != nil {
			f.file.Close()
		}
		path := filepath.Join(f.dir, day+".jsonl")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("siem: open fallback %s: %w", path, err)
		}
		f.file = file
		f.day = day
	}

	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("siem: marshal fallback event: %w", err)
		}
		line = append(line, '\n')
		if _, err := f.file.Write(line); err != nil {
			return fmt.Errorf("siem: write fallback: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("siem: fsync fallback: %w", err)
	}
	f.written.Add(int64(len(events)))
	return nil
}

// Written returns the total number of events appended.
func (f *Fallback) Written() int64 { return f.written.Load() }

// Close closes the current day file.
func (f *Fallback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
