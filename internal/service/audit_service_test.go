package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/filtergate/internal/config"
	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
)

// mockAuditStore records appended batches and can be made slow or failing.
type mockAuditStore struct {
	mu      sync.Mutex
	records []audit.Record
	appends int
	delay   time.Duration
	err     error
	flushed atomic.Int32
}

func (m *mockAuditStore) Append(_ context.Context, records ...audit.Record) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *mockAuditStore) Flush(context.Context) error {
	m.flushed.Add(1)
	return nil
}

func (m *mockAuditStore) Close() error { return nil }

func (m *mockAuditStore) Records() []audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Record(nil), m.records...)
}

func (m *mockAuditStore) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

// countingMetrics implements AuditMetrics.
type countingMetrics struct {
	submitted, dropped, failed atomic.Int64
}

func (c *countingMetrics) AuditSubmitted()        { c.submitted.Add(1) }
func (c *countingMetrics) AuditDropped()          { c.dropped.Add(1) }
func (c *countingMetrics) AuditWriteFailed(n int) { c.failed.Add(int64(n)) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func accessEvent(tx string) audit.AccessEvent {
	return audit.AccessEvent{
		EventName:     audit.EventNameHTTPAccess,
		TransactionID: tx,
		HTTP:          audit.HTTPDetails{Request: audit.HTTPRequest{Method: "GET", Path: "http://localhost/" + tx}},
		Response:      audit.ResponseDetails{Status: audit.ResponseStatusSuccessful, StatusCode: "200"},
	}
}

func waitResult(t *testing.T, svc *AuditService, tx string) (audit.RecordID, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return svc.Submit(nil, accessEvent(tx)).Get(ctx)
}

func TestAuditService_SubmitResolvesWithRecordID(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	metrics := &countingMetrics{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(1),
		WithAuditClock(clock.Fixed(1_700_000_000_000)),
		WithAuditMetrics(metrics),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	id, err := waitResult(t, svc, "tx-1")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty record id")
	}

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("stored %d records, want 1", len(records))
	}
	if records[0].ID != id {
		t.Errorf("stored ID = %s, want %s", records[0].ID, id)
	}
	if records[0].TransactionID != "tx-1" {
		t.Errorf("TransactionID = %q", records[0].TransactionID)
	}
	if !records[0].StoredAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Errorf("StoredAt = %v", records[0].StoredAt)
	}
	if metrics.submitted.Load() != 1 {
		t.Errorf("submitted = %d, want 1", metrics.submitted.Load())
	}

	cancel()
	svc.Stop()
}

func TestAuditService_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := &countingMetrics{}
	svc := NewAuditService(&mockAuditStore{}, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(0),
		WithWarningThreshold(0),
		WithAuditMetrics(metrics),
	)

	// No worker: the channel fills after two submissions.
	var failed int
	for i := range 5 {
		p := svc.Submit(nil, accessEvent(fmt.Sprintf("tx-%d", i)))
		if p.IsDone() {
			if _, err := p.Get(context.Background()); !errors.Is(err, audit.ErrDropped) {
				t.Errorf("submission %d error = %v, want ErrDropped", i, err)
			}
			failed++
		}
	}
	if failed != 3 {
		t.Errorf("dropped promises = %d, want 3", failed)
	}
	if svc.DroppedRecords() != 3 {
		t.Errorf("DroppedRecords() = %d, want 3", svc.DroppedRecords())
	}
	if metrics.dropped.Load() != 3 || metrics.submitted.Load() != 2 {
		t.Errorf("metrics dropped=%d submitted=%d", metrics.dropped.Load(), metrics.submitted.Load())
	}
	if svc.ChannelDepth() != 2 || svc.ChannelCapacity() != 2 {
		t.Errorf("depth=%d capacity=%d", svc.ChannelDepth(), svc.ChannelCapacity())
	}
	svc.Stop()
}

func TestAuditService_DefaultConfigNeverBlocksSubmit(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cfg config.GatewayConfig
	cfg.SetDefaults()
	svc := NewAuditService(&mockAuditStore{}, discardLogger(),
		WithChannelSize(1),
		WithSendTimeout(config.ParseDuration(cfg.Audit.SendTimeout)),
		WithWarningThreshold(0),
	)

	svc.Submit(nil, accessEvent("tx-fill"))
	start := time.Now()
	p := svc.Submit(nil, accessEvent("tx-overflow"))
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("Submit on a full queue took %v", elapsed)
	}
	if !p.IsDone() {
		t.Fatal("overflow promise still pending")
	}
	if _, err := p.Get(context.Background()); !errors.Is(err, audit.ErrDropped) {
		t.Errorf("overflow error = %v, want ErrDropped", err)
	}
	svc.Stop()
}

func TestAuditService_OverflowWithTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&mockAuditStore{delay: 50 * time.Millisecond}, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(10*time.Millisecond),
		WithBatchSize(1),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := range 10 {
		svc.Submit(nil, accessEvent(fmt.Sprintf("tx-%d", i)))
	}
	if svc.DroppedRecords() == 0 {
		t.Error("expected some records to be dropped due to timeout")
	}

	cancel()
	svc.Stop()
}

func TestAuditService_ChannelDepthWarning(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	svc := NewAuditService(&mockAuditStore{}, logger,
		WithChannelSize(10),
		WithWarningThreshold(80),
		WithSendTimeout(0),
	)

	// Don't start the worker; fill the channel to 90%.
	for i := range 9 {
		svc.Submit(nil, accessEvent(fmt.Sprintf("tx-%d", i)))
	}
	svc.Submit(nil, accessEvent("trigger"))

	if !strings.Contains(logBuf.String(), "approaching capacity") {
		t.Errorf("expected warning log about channel capacity, got: %s", logBuf.String())
	}
	svc.Stop()
}

func TestAuditService_StoreFailureFailsPromises(t *testing.T) {
	defer goleak.VerifyNone(t)

	storeErr := errors.New("disk full")
	metrics := &countingMetrics{}
	svc := NewAuditService(&mockAuditStore{err: storeErr}, discardLogger(),
		WithBatchSize(1),
		WithAuditMetrics(metrics),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	if _, err := waitResult(t, svc, "tx"); !errors.Is(err, storeErr) {
		t.Errorf("error = %v, want store error", err)
	}
	if metrics.failed.Load() != 1 {
		t.Errorf("write failures = %d, want 1", metrics.failed.Load())
	}

	cancel()
	svc.Stop()
}

func TestAuditService_SubmitAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&mockAuditStore{}, discardLogger())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()

	if _, err := waitResult(t, svc, "late"); !errors.Is(err, audit.ErrSinkClosed) {
		t.Errorf("error = %v, want ErrSinkClosed", err)
	}
}

func TestAuditService_StopFlushesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
		WithAdaptiveFlushThreshold(0),
	)
	svc.Start(context.Background())

	results := make([]interface{ IsDone() bool }, 0, 5)
	for i := range 5 {
		results = append(results, svc.Submit(nil, accessEvent(fmt.Sprintf("tx-%d", i))))
	}
	svc.Stop()

	if got := len(store.Records()); got != 5 {
		t.Errorf("stored %d records after Stop, want 5", got)
	}
	for i, r := range results {
		if !r.IsDone() {
			t.Errorf("promise %d still pending after Stop", i)
		}
	}
	if store.flushed.Load() != 1 {
		t.Errorf("store Flush calls = %d, want 1", store.flushed.Load())
	}
}

func TestAuditService_ContextCancelDrainsOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
		WithAdaptiveFlushThreshold(0),
	)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	for i := range 3 {
		svc.Submit(nil, accessEvent(fmt.Sprintf("tx-%d", i)))
	}
	cancel()
	svc.Stop()

	if got := len(store.Records()); got != 3 {
		t.Errorf("stored %d records, want 3", got)
	}
}

func TestAuditService_AdaptiveFlushUnderPressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(10),
		WithBatchSize(5),
		WithFlushInterval(500*time.Millisecond),
		WithAdaptiveFlushThreshold(50),
		WithSendTimeout(100*time.Millisecond),
	)

	// Queue before starting so the worker sees the channel above threshold.
	for i := range 8 {
		svc.Submit(nil, accessEvent(fmt.Sprintf("tx-%d", i)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	deadline := time.Now().Add(300 * time.Millisecond)
	for store.Appends() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Appends() == 0 {
		t.Error("expected at least one flush under pressure (adaptive mode)")
	}

	cancel()
	svc.Stop()
}

func TestAuditService_DropCounterConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&mockAuditStore{}, discardLogger(),
		WithChannelSize(10),
		WithSendTimeout(0),
		WithWarningThreshold(0),
	)

	var (
		wg       sync.WaitGroup
		rejected atomic.Int64
	)
	for g := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				p := svc.Submit(nil, accessEvent(fmt.Sprintf("g%d-%d", g, i)))
				if p.IsDone() {
					rejected.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if svc.DroppedRecords() != 90 || rejected.Load() != 90 {
		t.Errorf("DroppedRecords() = %d, rejected = %d, want 90", svc.DroppedRecords(), rejected.Load())
	}
	svc.Stop()
}
