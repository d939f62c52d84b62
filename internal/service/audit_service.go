package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// AuditMetrics observes the audit pipeline. Implementations must be safe for
// concurrent use.
type AuditMetrics interface {
	AuditSubmitted()
	AuditDropped()
	AuditWriteFailed(count int)
}

// pendingRecord pairs a record with the promise its submitter holds.
type pendingRecord struct {
	record audit.Record
	result *promise.Promise[audit.RecordID, error]
}

// AuditService is the asynchronous audit.Sink: events are queued on a
// buffered channel and written in batches by a background worker, so the
// request path never waits on storage.
type AuditService struct {
	store         audit.AuditStore
	auditChan     chan pendingRecord
	wg            sync.WaitGroup
	logger        *slog.Logger
	time          clock.TimeService
	metrics       AuditMetrics
	batchSize     int
	flushInterval time.Duration

	// closeMu guards auditChan against sends after Stop.
	closeMu sync.RWMutex
	closed  bool

	channelSize int           // Track capacity for monitoring
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64  // Lock-free drop counter

	warningThreshold int          // Percentage (0-100), e.g., 80
	lastWarning      atomic.Int64 // Rate-limit warning logs (Unix nanos)

	adaptiveFlushThreshold int // Depth % that triggers faster flushing (default 80)
}

// Compile-time check that AuditService implements audit.Sink.
var _ audit.Sink = (*AuditService)(nil)

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval to flush pending records.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the size of the audit channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.auditChan = make(chan pendingRecord, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately (no blocking), >0 = block up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
// A warning is logged when channel depth exceeds this percentage of capacity.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warningThreshold = clampPercent(percent)
	}
}

// WithAdaptiveFlushThreshold sets the channel depth % that triggers faster flushing.
// When channel depth exceeds this %, flush interval is reduced to 1/4 normal.
// Default is 80%. Set to 0 to disable adaptive flushing.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.adaptiveFlushThreshold = clampPercent(percent)
	}
}

// WithAuditClock sets the time source used to stamp stored records.
func WithAuditClock(ts clock.TimeService) AuditOption {
	return func(s *AuditService) {
		if ts != nil {
			s.time = ts
		}
	}
}

// WithAuditMetrics reports submissions, drops and write failures to m.
func WithAuditMetrics(m AuditMetrics) AuditOption {
	return func(s *AuditService) { s.metrics = m }
}

func clampPercent(percent int) int {
	return max(0, min(percent, 100))
}

// NewAuditService creates a new AuditService with the given store and options.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	defaultChannelSize := 1000
	s := &AuditService{
		store:                  store,
		auditChan:              make(chan pendingRecord, defaultChannelSize),
		logger:                 logger,
		time:                   clock.System(),
		metrics:                noopAuditMetrics{},
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background worker that batches and writes audit records.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Submit queues event for storage and returns a promise settled with the
// record id once the batch holding it is written. The promise fails with
// audit.ErrDropped under backpressure, audit.ErrSinkClosed after Stop, or
// the store error when the write fails.
func (s *AuditService) Submit(_ *reqctx.Context, event audit.AccessEvent) *promise.Promise[audit.RecordID, error] {
	p := pendingRecord{
		record: audit.Record{
			ID:          audit.RecordID(uuid.NewString()),
			StoredAt:    clock.ToTime(s.time.Now()),
			AccessEvent: event,
		},
		result: promise.New[audit.RecordID, error](),
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		p.result.Fail(audit.ErrSinkClosed)
		return p.result
	}

	if s.warningThreshold > 0 {
		depth := len(s.auditChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	// Fast path: non-blocking send
	select {
	case s.auditChan <- p:
		s.metrics.AuditSubmitted()
		return p.result
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(p)
		return p.result
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.auditChan <- p:
		s.metrics.AuditSubmitted()
	case <-timer.C:
		s.recordDrop(p)
	}
	return p.result
}

// recordDrop fails the record's promise, increments the counter and logs.
func (s *AuditService) recordDrop(p pendingRecord) {
	drops := s.dropCount.Add(1)
	s.metrics.AuditDropped()
	s.logger.Warn("audit record dropped",
		"transaction_id", p.record.TransactionID,
		"path", p.record.HTTP.Request.Path,
		"total_drops", drops,
	)
	p.result.Fail(audit.ErrDropped)
}

// warnChannelDepth logs warning about channel capacity (rate-limited to once per second).
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()

	if now-last < int64(time.Second) {
		return
	}

	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns total dropped records (for metrics/alerting).
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage (for monitoring).
func (s *AuditService) ChannelDepth() int {
	return len(s.auditChan)
}

// ChannelCapacity returns channel buffer size (for percentage calculation).
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop rejects further submissions, flushes pending records and waits for
// the worker to finish. Safe to call more than once.
func (s *AuditService) Stop() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.auditChan)
	s.closeMu.Unlock()
	s.wg.Wait()
}

// worker is the background goroutine that collects and flushes audit records.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]pendingRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case p, ok := <-s.auditChan:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, p)

			shouldFlush := len(batch) >= s.batchSize

			// Adaptive: flush early if the channel is under pressure
			if !shouldFlush && s.adaptiveFlushThreshold > 0 {
				if s.depthPercent() >= s.adaptiveFlushThreshold {
					shouldFlush = true
				}
			}

			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			if s.adaptiveFlushThreshold > 0 {
				depthPercent := s.depthPercent()
				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
					s.logger.Debug("audit adaptive flush: entering fast mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval/4,
					)
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
					s.logger.Debug("audit adaptive flush: returning to normal mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval,
					)
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain until Stop closes the channel, then flush with a fresh deadline
			for p := range s.auditChan {
				batch = append(batch, p)
			}
			s.finalFlush(batch)
			return
		}
	}
}

func (s *AuditService) depthPercent() int {
	return len(s.auditChan) * 100 / s.channelSize
}

// finalFlush writes what is left with a bounded deadline.
func (s *AuditService) finalFlush(batch []pendingRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
	if err := s.store.Flush(ctx); err != nil {
		s.logger.Error("failed to flush audit store", "error", err)
	}
}

// flush writes a batch of records to the store and settles their promises.
// Errors are logged but not propagated: auditing never fails a request.
func (s *AuditService) flush(ctx context.Context, batch []pendingRecord) {
	records := make([]audit.Record, len(batch))
	for i, p := range batch {
		records[i] = p.record
	}

	if err := s.store.Append(ctx, records...); err != nil {
		s.metrics.AuditWriteFailed(len(batch))
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
		werr := fmt.Errorf("writing audit batch: %w", err)
		for _, p := range batch {
			p.result.Fail(werr)
		}
		return
	}
	for _, p := range batch {
		p.result.Resolve(p.record.ID)
	}
}

type noopAuditMetrics struct{}

func (noopAuditMetrics) AuditSubmitted()      {}
func (noopAuditMetrics) AuditDropped()        {}
func (noopAuditMetrics) AuditWriteFailed(int) {}
