// Package audit provides directory-based audit persistence: JSON Lines
// files rotated daily and by size, with retention cleanup and an
// in-memory ring of recent records for queries.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
)

const dateLayout = "2006-01-02"

// logFilePattern matches access-YYYY-MM-DD.log and access-YYYY-MM-DD-N.log.
var logFilePattern = regexp.MustCompile(`^access-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// logFile is a parsed audit file name.
type logFile struct {
	name   string
	date   string
	suffix int
}

func parseLogFilename(name string) (logFile, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return logFile{}, false
	}
	f := logFile{name: name, date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return logFile{}, false
		}
		f.suffix = n
	}
	return f, true
}

func logFilename(date string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("access-%s.log", date)
	}
	return fmt.Sprintf("access-%s-%d.log", date, suffix)
}

// sortLogFiles orders files chronologically: by date, then suffix.
func sortLogFiles(files []logFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// DirConfig configures a DirStore.
type DirConfig struct {
	// Dir holds the audit files. Created with mode 0700 if missing.
	Dir string
	// RetentionDays is how long files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB triggers size rotation (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent records kept for queries (default 1000).
	CacheSize int
	// Now overrides the wall clock used for retention.
	Now func() time.Time
}

// DirStore implements audit.AuditStore and audit.QueryStore over a
// directory of rotated JSON Lines files.
type DirStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	now           func() time.Time
	cache         *recordRing
	logger        *slog.Logger

	mu            sync.Mutex
	current       *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Compile-time interface verification.
var (
	_ audit.AuditStore = (*DirStore)(nil)
	_ audit.QueryStore = (*DirStore)(nil)
)

// NewDirStore opens today's file in cfg.Dir, removes files past retention,
// loads the newest file into the cache, and starts hourly cleanup.
func NewDirStore(cfg DirConfig, logger *slog.Logger) (*DirStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &DirStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		now:           cfg.Now,
		cache:         newRecordRing(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	today := cfg.Now().UTC().Format(dateLayout)
	if err := s.openCurrent(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.cleanup()
	s.loadCache()

	go s.cleanupLoop(ctx)
	return s, nil
}

// Append writes records as JSON lines, rotating on date change and when
// the current file reaches the size limit.
func (s *DirStore) Append(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audit.ErrSinkClosed
	}

	for _, rec := range records {
		date := rec.StoredAt.UTC().Format(dateLayout)
		if date != s.currentDate {
			if err := s.rotateLocked(date, 0); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateLocked(s.currentDate, s.currentSuffix+1); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.current.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.currentSize += int64(n)
		s.cache.add(rec)
	}
	return nil
}

// Flush syncs the current file.
func (s *DirStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current.Sync()
	}
	return nil
}

// Close stops the cleanup loop and closes the current file. Safe to call
// more than once.
func (s *DirStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	if s.current != nil {
		_ = s.current.Sync()
		err = s.current.Close()
		s.current = nil
	}
	s.mu.Unlock()

	<-s.done
	return err
}

// Recent returns up to n cached records, newest first.
func (s *DirStore) Recent(n int) []audit.Record {
	return s.cache.recent(n)
}

// Query returns cached records matching filter, newest first.
func (s *DirStore) Query(_ context.Context, filter audit.QueryFilter) ([]audit.Record, error) {
	limit := filter.EffectiveLimit()
	var result []audit.Record
	for _, rec := range s.cache.recent(s.cache.size) {
		if len(result) == limit {
			break
		}
		if filter.Match(rec) {
			result = append(result, rec)
		}
	}
	return result, nil
}

// openCurrent opens the newest file for date, continuing an existing
// size-rotated sequence.
func (s *DirStore) openCurrent(date string) error {
	suffix := s.highestSuffix(date)
	f, size, err := s.openFile(date, suffix)
	if err != nil {
		return err
	}
	s.current = f
	s.currentDate = date
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

func (s *DirStore) highestSuffix(date string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		f, ok := parseLogFilename(e.Name())
		if ok && f.date == date && f.suffix > highest {
			highest = f.suffix
		}
	}
	return highest
}

func (s *DirStore) openFile(date string, suffix int) (*os.File, int64, error) {
	name := logFilename(date, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", name, err)
	}
	return f, info.Size(), nil
}

// rotateLocked switches to the file for date and suffix. s.mu must be held.
func (s *DirStore) rotateLocked(date string, suffix int) error {
	if s.current != nil {
		_ = s.current.Sync()
		_ = s.current.Close()
		s.current = nil
	}
	if suffix == 0 {
		// A date seen before (records arriving out of order, or a
		// restart) continues its newest file.
		suffix = s.highestSuffix(date)
	}
	f, size, err := s.openFile(date, suffix)
	if err != nil {
		return err
	}
	s.current = f
	s.currentDate = date
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

// cleanup deletes files dated before the retention cutoff.
func (s *DirStore) cleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays).Format(dateLayout)
	deleted := 0
	for _, e := range entries {
		f, ok := parseLogFilename(e.Name())
		if !ok || f.date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Error("audit cleanup: failed to delete file", "file", e.Name(), "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("audit cleanup completed", "deleted", deleted)
	}
}

func (s *DirStore) cleanupLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// loadCache fills the cache from the newest non-empty file.
func (s *DirStore) loadCache() {
	name := s.newestFile()
	if name == "" {
		return
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		s.logger.Error("audit cache: failed to open file", "file", name, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("audit cache: skipping malformed line", "file", name, "error", err)
			continue
		}
		// The ring keeps the newest CacheSize records.
		s.cache.add(rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit cache: error reading file", "file", name, "error", err)
	}
}

func (s *DirStore) newestFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}
	var files []logFile
	for _, e := range entries {
		f, ok := parseLogFilename(e.Name())
		if !ok {
			continue
		}
		if info, err := e.Info(); err != nil || info.Size() == 0 {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return ""
	}
	sortLogFiles(files)
	return files[len(files)-1].name
}

// recordRing is a fixed-size ring of the most recent records.
type recordRing struct {
	mu      sync.RWMutex
	entries []audit.Record
	size    int
	head    int
	count   int
}

func newRecordRing(size int) *recordRing {
	return &recordRing{entries: make([]audit.Record, size), size: size}
}

func (r *recordRing) add(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = rec
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// recent returns up to n records, newest first.
func (r *recordRing) recent(n int) []audit.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]audit.Record, n)
	for i := 0; i < n; i++ {
		// head is the next write slot.
		out[i] = r.entries[(r.head-1-i+r.size)%r.size]
	}
	return out
}

func (r *recordRing) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
