// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
)

const defaultRecentCap = 1000

// AuditStore writes audit records as JSON lines and keeps a bounded ring
// buffer of recent records for the admin API.
type AuditStore struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
	// recent is a bounded ring buffer of the most recent records.
	recent []audit.Record
	cap    int
}

// resolveCapacity returns the first positive capacity value, or defaultRecentCap.
func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStore creates an audit store writing to stdout.
// An optional capacity parameter sets the ring buffer size (default 1000).
func NewAuditStore(capacity ...int) *AuditStore {
	return NewAuditStoreWithWriter(os.Stdout, capacity...)
}

// NewAuditStoreWithWriter creates an audit store writing to w. A nil w keeps
// records in memory only.
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *AuditStore {
	c := resolveCapacity(capacity...)
	s := &AuditStore{
		writer: w,
		recent: make([]audit.Record, 0, c),
		cap:    c,
	}
	if w != nil {
		s.encoder = json.NewEncoder(w)
	}
	return s
}

// Append writes records as JSON lines and adds them to the ring buffer.
func (s *AuditStore) Append(ctx context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if s.encoder != nil {
			if err := s.encoder.Encode(r); err != nil {
				return err
			}
		}
		if len(s.recent) >= s.cap {
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = r
		} else {
			s.recent = append(s.recent, r)
		}
	}
	return nil
}

// Flush syncs the output when it is a regular file.
func (s *AuditStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Sync()
	}
	return nil
}

// Close closes the output unless it is stdout or stderr.
func (s *AuditStore) Close() error {
	if c, ok := s.writer.(io.Closer); ok && s.writer != os.Stdout && s.writer != os.Stderr {
		return c.Close()
	}
	return nil
}

// Recent returns the n most recent records, newest first.
func (s *AuditStore) Recent(n int) []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.recent)
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}
	result := make([]audit.Record, n)
	for i := 0; i < n; i++ {
		result[i] = s.recent[total-1-i]
	}
	return result
}

// Query returns buffered records matching filter, newest first.
func (s *AuditStore) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.EffectiveLimit()
	var result []audit.Record
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if filter.Match(s.recent[i]) {
			result = append(result, s.recent[i])
		}
	}
	return result, nil
}

// Compile-time interface verification.
var (
	_ audit.AuditStore = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)
