package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Query filters stored events. Zero-value fields are not applied;
// populated fields combine conjunctively.
type Query struct {
	CorrelationID string
	PrincipalID   string
	ResourceID    string
	EventType     string
	MinSeverity   Severity
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Matches reports whether ev satisfies every populated filter.
func (q Query) Matches(ev *Event) bool {
	if q.CorrelationID != "" && ev.CorrelationID != q.CorrelationID {
		return false
	}
	if q.PrincipalID != "" && ev.PrincipalID != q.PrincipalID {
		return false
	}
	if q.ResourceID != "" && ev.ResourceID != q.ResourceID {
		return false
	}
	if q.EventType != "" && ev.EventType != q.EventType {
		return false
	}
	if q.MinSeverity != "" && !ev.Severity.AtLeast(q.MinSeverity) {
		return false
	}
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Store persists audit events. Append must be durable before it returns.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	Query(ctx context.Context, q Query) ([]*Event, error)
	Len() int
	Close() error
}

// MemoryStore keeps the most recent events in a fixed ring. Suitable for
// development and tests; production deployments use the file store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	next   int
	filled bool
}

const defaultRingSize = 10000

// NewMemoryStore creates a ring store holding up to capacity events
// (defaultRingSize when capacity <= 0).
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &MemoryStore{events: make([]*Event, capacity)}
}

func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.next] = ev
	s.next++
	if s.next == len(s.events) {
		s.next = 0
		s.filled = true
	}
	return nil
}

// Query returns matching events oldest-first.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	scan := func(ev *Event) bool {
		if ev == nil || !q.Matches(ev) {
			return true
		}
		out = append(out, ev)
		return q.Limit <= 0 || len(out) < q.Limit
	}

	if s.filled {
		for i := s.next; i < len(s.events); i++ {
			if !scan(s.events[i]) {
				return out, nil
			}
		}
	}
	for i := 0; i < s.next; i++ {
		if !scan(s.events[i]) {
			return out, nil
		}
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filled {
		return len(s.events)
	}
	return s.next
}

func (s *MemoryStore) Close() error { return nil }

// FileStore appends events to a JSONL file, one event per line, fsync on
// every append. Queries rescan the file; the store is an audit trail, not
// a query engine.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
	n    int
}

// NewFileStore opens (or creates) the JSONL file at path, creating parent
// directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	s := &FileStore{path: path, file: f}
	s.n = s.countLines()
	return s, nil
}

func (s *FileStore) countLines() int {
	f, err := os.Open(s.path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		n++
	}
	return n
}

func (s *FileStore) Append(_ context.Context, ev *Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit: store closed")
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit: fsync: %w", err)
	}
	s.n++
	return nil
}

func (s *FileStore) Query(ctx context.Context, q Query) ([]*Event, error) {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open for query: %w", err)
	}
	defer f.Close()

	var out []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // tolerate torn/foreign lines
		}
		if !q.Matches(&ev) {
			continue
		}
		out = append(out, &ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("audit: scan: %w", err)
	}
	return out, nil
}

func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
