package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/telesyncapp/telesync/internal/config"
	"github.com/telesyncapp/telesync/internal/event"
	"github.com/telesyncapp/telesync/internal/pipeline"
	"github.com/telesyncapp/telesync/internal/storage"
	"github.com/telesyncapp/telesync/internal/upstream"
)

// memoryAdapter is an in-memory storage.Adapter with injectable put
// failures.
type memoryAdapter struct {
	mu      sync.Mutex
	objects map[string][]byte
	records map[string]storage.Artifact
	putErr  error
}

func newMemoryAdapter() *memoryAdapter {
	return &memoryAdapter{
		objects: map[string][]byte{},
		records: map[string]storage.Artifact{},
	}
}

func (m *memoryAdapter) Put(ctx context.Context, req storage.PutRequest) (string, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	path := req.UserID + "/" + req.ChannelID + "/" + req.Filename
	m.objects[path] = data
	m.records[path] = storage.Artifact{
		StoragePath: path,
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		Filename:    req.Filename,
		ByteSize:    int64(len(data)),
		ContentType: req.ContentType,
		CreatedAt:   time.Now().UTC(),
	}
	return path, nil
}

func (m *memoryAdapter) Get(ctx context.Context, storagePath string) (io.ReadCloser, storage.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[storagePath]
	if !ok {
		return nil, storage.Artifact{}, storage.ErrArtifactNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), m.records[storagePath], nil
}

func (m *memoryAdapter) List(ctx context.Context, userID string) ([]storage.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Artifact
	for _, record := range m.records {
		if record.UserID == userID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memoryAdapter) Delete(ctx context.Context, storagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[storagePath]; !ok {
		return storage.ErrArtifactNotFound
	}
	delete(m.objects, storagePath)
	delete(m.records, storagePath)
	return nil
}

func (m *memoryAdapter) has(storagePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[storagePath]
	return ok
}

func (m *memoryAdapter) setPutErr(err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
}

// chunkReader hands out the payload in small slices so progress steps
// fire more than once per download.
type chunkReader struct {
	data  []byte
	chunk int
	off   int
}

func (r *chunkReader) Read(buf []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(buf) {
		n = len(buf)
	}
	if n > len(r.data)-r.off {
		n = len(r.data) - r.off
	}
	copy(buf, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}

// fakeFetcher serves a fixed payload, optionally failing or blocking on a
// gate channel until released.
type fakeFetcher struct {
	mu    sync.Mutex
	data  []byte
	err   error
	gate  chan struct{}
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceRef string, item upstream.Item) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	data, err, gate := f.data, f.err, f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(&chunkReader{data: data, chunk: 64}), nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPipeline(t *testing.T, adapter storage.Adapter) (*pipeline.Service, *event.Hub) {
	t.Helper()
	hub := event.NewHub()
	svc := pipeline.NewService(nil, config.PipelineConfig{QueueSize: 16, Workers: 2, ProgressStep: 10}, adapter, hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, hub
}

func testItem(ref string, size int64) upstream.Item {
	return upstream.Item{
		Ref:         ref,
		Title:       "clip " + ref,
		Filename:    ref + ".mp4",
		ContentType: "video/mp4",
		ByteSize:    size,
		PostedAt:    time.Now().UTC(),
	}
}

func enqueueReq(item upstream.Item, fetcher pipeline.Fetcher) pipeline.EnqueueRequest {
	return pipeline.EnqueueRequest{
		UserID:    "u1",
		ChannelID: "chan-1",
		SourceRef: "@demo",
		Item:      item,
		Fetcher:   fetcher,
	}
}

// collectUntil reads hub events until one of the wanted kind arrives,
// returning everything seen on the way.
func collectUntil(t *testing.T, stream <-chan event.Event, kind event.Kind) []event.Event {
	t.Helper()
	var got []event.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-stream:
			got = append(got, ev)
			if ev.Kind == kind {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event, saw %d events", kind, len(got))
		}
	}
}

func TestDownloadCompletes(t *testing.T) {
	t.Parallel()
	adapter := newMemoryAdapter()
	svc, hub := newTestPipeline(t, adapter)
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	payload := bytes.Repeat([]byte("v"), 1000)
	fetcher := &fakeFetcher{data: payload}

	task, created, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-42", 1000), fetcher))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if !created {
		t.Fatalf("expected a new task")
	}
	if task.Status != pipeline.StatusQueued {
		t.Fatalf("new task status = %q, want queued", task.Status)
	}

	events := collectUntil(t, stream, event.KindDownloadCompleted)
	if events[0].Kind != event.KindDownloadStarted {
		t.Fatalf("first event = %q, want download_started", events[0].Kind)
	}
	lastPct := 0
	for _, ev := range events[1 : len(events)-1] {
		if ev.Kind != event.KindDownloadProgress {
			t.Fatalf("middle event = %q, want download_progress", ev.Kind)
		}
		if ev.ProgressPct <= lastPct {
			t.Fatalf("progress went %d -> %d, must be strictly increasing", lastPct, ev.ProgressPct)
		}
		if ev.ProgressPct%10 != 0 {
			t.Fatalf("progress %d not on a whole step", ev.ProgressPct)
		}
		lastPct = ev.ProgressPct
	}

	final := events[len(events)-1]
	if final.ByteSize != 1000 {
		t.Fatalf("completed byte size = %d, want 1000", final.ByteSize)
	}
	body, artifact, err := adapter.Get(context.Background(), final.StoragePath)
	if err != nil {
		t.Fatalf("stored artifact not resolvable: %v", err)
	}
	defer body.Close()
	stored, _ := io.ReadAll(body)
	if !bytes.Equal(stored, payload) {
		t.Fatalf("stored bytes differ from fetched payload")
	}
	if artifact.ContentType != "video/mp4" {
		t.Fatalf("artifact content type = %q", artifact.ContentType)
	}

	got, err := svc.Get("u1", task.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != pipeline.StatusCompleted || got.ProgressPct != 100 {
		t.Fatalf("task after completion = %+v", got)
	}
	if got.CompletedAt == nil || got.StoragePath == "" {
		t.Fatalf("completed task missing terminal fields: %+v", got)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()
	svc, _ := newTestPipeline(t, newMemoryAdapter())
	fetcher := &fakeFetcher{data: []byte("payload")}

	first, created, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-1", 0), fetcher))
	if err != nil || !created {
		t.Fatalf("first Enqueue = (%v, %v)", created, err)
	}
	second, created, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-1", 0), fetcher))
	if err != nil {
		t.Fatalf("second Enqueue returned error: %v", err)
	}
	if created {
		t.Fatalf("second Enqueue must not create a task")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate enqueue returned task %q, want %q", second.ID, first.ID)
	}

	_, total := svc.List("u1", 0, 0)
	if total != 1 {
		t.Fatalf("task count = %d, want 1", total)
	}
}

func TestConcurrentEnqueueSameItemYieldsOneTask(t *testing.T) {
	t.Parallel()
	svc, _ := newTestPipeline(t, newMemoryAdapter())
	gate := make(chan struct{})
	fetcher := &fakeFetcher{data: []byte("payload"), gate: gate}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = svc.Enqueue(context.Background(), enqueueReq(testItem("item-racy", 0), fetcher))
		}()
	}
	wg.Wait()
	close(gate)

	_, total := svc.List("u1", 0, 0)
	if total != 1 {
		t.Fatalf("task count after concurrent enqueues = %d, want 1", total)
	}
}

func TestFetchErrorFailsTask(t *testing.T) {
	t.Parallel()
	svc, hub := newTestPipeline(t, newMemoryAdapter())
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	fetcher := &fakeFetcher{err: errors.New("rate limited")}
	task, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-err", 0), fetcher))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	events := collectUntil(t, stream, event.KindDownloadFailed)
	final := events[len(events)-1]
	if !strings.Contains(final.ErrorReason, "rate limited") {
		t.Fatalf("failure reason = %q, want the fetch error", final.ErrorReason)
	}

	got, err := svc.Get("u1", task.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != pipeline.StatusFailed || got.ErrorReason == "" {
		t.Fatalf("task after fetch error = %+v", got)
	}
}

func TestStorageErrorFailsTask(t *testing.T) {
	t.Parallel()
	adapter := newMemoryAdapter()
	adapter.setPutErr(errors.New("bucket unavailable"))
	svc, hub := newTestPipeline(t, adapter)
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	fetcher := &fakeFetcher{data: []byte("payload")}
	if _, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-store", 0), fetcher)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	events := collectUntil(t, stream, event.KindDownloadFailed)
	if !strings.Contains(events[len(events)-1].ErrorReason, "bucket unavailable") {
		t.Fatalf("failure reason = %q, want the storage error", events[len(events)-1].ErrorReason)
	}
}

func TestSizeMismatchFailsAndDropsArtifact(t *testing.T) {
	t.Parallel()
	adapter := newMemoryAdapter()
	svc, hub := newTestPipeline(t, adapter)
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	// Declared 2000 bytes, fetch serves 1000.
	fetcher := &fakeFetcher{data: bytes.Repeat([]byte("x"), 1000)}
	if _, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-short", 2000), fetcher)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	events := collectUntil(t, stream, event.KindDownloadFailed)
	if !strings.Contains(events[len(events)-1].ErrorReason, "size mismatch") {
		t.Fatalf("failure reason = %q, want size mismatch", events[len(events)-1].ErrorReason)
	}
	if adapter.has("u1/chan-1/item-short.mp4") {
		t.Fatalf("partial artifact must not be retained after a size mismatch")
	}
}

func TestRetryFailedTask(t *testing.T) {
	t.Parallel()
	svc, hub := newTestPipeline(t, newMemoryAdapter())
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	fetcher := &fakeFetcher{data: []byte("payload"), err: errors.New("upstream down")}
	task, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-retry", 0), fetcher))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	collectUntil(t, stream, event.KindDownloadFailed)

	fetcher.setErr(nil)
	retried, err := svc.Retry(context.Background(), "u1", task.ID)
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if retried.ID != task.ID {
		t.Fatalf("retry created task %q, want same id %q", retried.ID, task.ID)
	}
	if retried.ProgressPct != 0 || retried.ErrorReason != "" {
		t.Fatalf("retry must reset progress and error, got %+v", retried)
	}

	collectUntil(t, stream, event.KindDownloadCompleted)
	got, _ := svc.Get("u1", task.ID)
	if got.Status != pipeline.StatusCompleted {
		t.Fatalf("retried task status = %q, want completed", got.Status)
	}

	if _, err := svc.Retry(context.Background(), "u1", task.ID); !errors.Is(err, pipeline.ErrNotRetriable) {
		t.Fatalf("Retry on completed task error = %v, want ErrNotRetriable", err)
	}
	if _, err := svc.Retry(context.Background(), "u1", "missing"); !errors.Is(err, pipeline.ErrTaskNotFound) {
		t.Fatalf("Retry on missing task error = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteFreesDedupKeyAndArtifact(t *testing.T) {
	t.Parallel()
	adapter := newMemoryAdapter()
	svc, hub := newTestPipeline(t, adapter)
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	fetcher := &fakeFetcher{data: []byte("payload")}
	task, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-del", 0), fetcher))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	events := collectUntil(t, stream, event.KindDownloadCompleted)
	storagePath := events[len(events)-1].StoragePath

	if err := svc.Delete(context.Background(), "u1", task.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if adapter.has(storagePath) {
		t.Fatalf("deleting a completed task must delete its artifact")
	}
	if _, err := svc.Get("u1", task.ID); !errors.Is(err, pipeline.ErrTaskNotFound) {
		t.Fatalf("Get after delete error = %v, want ErrTaskNotFound", err)
	}

	// The key is free again, so the same item can be re-detected.
	_, created, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-del", 0), fetcher))
	if err != nil || !created {
		t.Fatalf("re-enqueue after delete = (%v, %v), want a fresh task", created, err)
	}
}

func TestListNewestFirstWithPaging(t *testing.T) {
	t.Parallel()
	svc, hub := newTestPipeline(t, newMemoryAdapter())
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	fetcher := &fakeFetcher{data: []byte("payload")}
	for i := 0; i < 5; i++ {
		item := testItem(fmt.Sprintf("item-%d", i), 0)
		if _, _, err := svc.Enqueue(context.Background(), enqueueReq(item, fetcher)); err != nil {
			t.Fatalf("Enqueue %d returned error: %v", i, err)
		}
		collectUntil(t, stream, event.KindDownloadCompleted)
	}

	page, total := svc.List("u1", 2, 0)
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page length = %d, want 2", len(page))
	}
	if page[0].CreatedAt.Before(page[1].CreatedAt) {
		t.Fatalf("list must be newest first")
	}

	rest, _ := svc.List("u1", 10, 4)
	if len(rest) != 1 {
		t.Fatalf("offset page length = %d, want 1", len(rest))
	}
	if empty, _ := svc.List("u1", 10, 99); len(empty) != 0 {
		t.Fatalf("out-of-range offset must return an empty page")
	}
}

// A caller cancelling its context after enqueueing must not abort the
// download: workers run on the pipeline's own lifecycle, which is what
// keeps in-flight tasks alive across a user disconnect.
func TestDownloadSurvivesCallerContextCancel(t *testing.T) {
	t.Parallel()
	adapter := newMemoryAdapter()
	svc, hub := newTestPipeline(t, adapter)
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	gate := make(chan struct{})
	fetcher := &fakeFetcher{data: []byte("payload"), gate: gate}

	ctx, cancelCtx := context.WithCancel(context.Background())
	task, _, err := svc.Enqueue(ctx, enqueueReq(testItem("item-live", 0), fetcher))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	cancelCtx()
	close(gate)

	collectUntil(t, stream, event.KindDownloadCompleted)
	got, _ := svc.Get("u1", task.ID)
	if got.Status != pipeline.StatusCompleted {
		t.Fatalf("task status = %q, want completed despite caller cancel", got.Status)
	}
}

func TestEnqueueBackpressureCancelRemovesTask(t *testing.T) {
	t.Parallel()
	hub := event.NewHub()
	svc := pipeline.NewService(nil, config.PipelineConfig{QueueSize: 1, Workers: 1, ProgressStep: 10}, newMemoryAdapter(), hub)
	t.Cleanup(func() {
		ctx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelShutdown()
		_ = svc.Shutdown(ctx)
	})

	gate := make(chan struct{})
	defer close(gate)
	fetcher := &fakeFetcher{data: []byte("payload"), gate: gate}

	// First task occupies the worker, second fills the queue slot.
	if _, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-a", 0), fetcher)); err != nil {
		t.Fatalf("Enqueue a returned error: %v", err)
	}
	waitForQueuedWorker(t, fetcher)
	if _, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-b", 0), fetcher)); err != nil {
		t.Fatalf("Enqueue b returned error: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelCtx()
	_, _, err := svc.Enqueue(ctx, enqueueReq(testItem("item-c", 0), fetcher))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("saturated Enqueue error = %v, want deadline exceeded", err)
	}

	// The abandoned task is gone, so the item stays detectable.
	_, total := svc.List("u1", 0, 0)
	if total != 2 {
		t.Fatalf("task count = %d, want 2 after abandoned enqueue", total)
	}
}

func waitForQueuedWorker(t *testing.T, fetcher *fakeFetcher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fetcher.callCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker never picked up the first task")
}

func TestPruneTerminalKeepsActiveTasks(t *testing.T) {
	t.Parallel()
	svc, hub := newTestPipeline(t, newMemoryAdapter())
	_, stream, cancel := hub.Subscribe("u1", 64)
	defer cancel()

	gate := make(chan struct{})
	defer close(gate)
	done := &fakeFetcher{data: []byte("payload")}
	blocked := &fakeFetcher{data: []byte("payload"), gate: gate}

	finished, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-old", 0), done))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	collectUntil(t, stream, event.KindDownloadCompleted)
	if _, _, err := svc.Enqueue(context.Background(), enqueueReq(testItem("item-running", 0), blocked)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForQueuedWorker(t, blocked)

	pruned := svc.PruneTerminal(time.Now().UTC().Add(time.Hour))
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if _, err := svc.Get("u1", finished.ID); !errors.Is(err, pipeline.ErrTaskNotFound) {
		t.Fatalf("pruned task still present: %v", err)
	}
	_, total := svc.List("u1", 0, 0)
	if total != 1 {
		t.Fatalf("task count after prune = %d, want the running task only", total)
	}
}
