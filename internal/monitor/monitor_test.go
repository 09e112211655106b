package monitor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/telesyncapp/telesync/internal/channels"
	"github.com/telesyncapp/telesync/internal/monitor"
	"github.com/telesyncapp/telesync/internal/pipeline"
	"github.com/telesyncapp/telesync/internal/upstream"
)

// fakeClient serves canned items per source ref and can be told to fail a
// ref. It ignores since, so dedup downstream is the only repeat guard,
// matching how a real scan window overlaps.
type fakeClient struct {
	mu        sync.Mutex
	items     map[string][]upstream.Item
	errs      map[string]error
	listCalls int
}

func (c *fakeClient) ListNewItems(ctx context.Context, sourceRef string, since time.Time) ([]upstream.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if err := c.errs[sourceRef]; err != nil {
		return nil, err
	}
	return append([]upstream.Item(nil), c.items[sourceRef]...), nil
}

func (c *fakeClient) Fetch(ctx context.Context, sourceRef string, item upstream.Item) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("payload"))), nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

// fakeEnqueuer mimics the pipeline's at-most-one-task-per-key contract and
// records every request it sees.
type fakeEnqueuer struct {
	mu       sync.Mutex
	seen     map[string]pipeline.Task
	requests []pipeline.EnqueueRequest
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{seen: map[string]pipeline.Task{}}
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, req pipeline.EnqueueRequest) (pipeline.Task, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	key := req.ChannelID + "\x00" + req.Item.Ref
	if task, ok := e.seen[key]; ok {
		return task, false, nil
	}
	task := pipeline.Task{
		ID:            fmt.Sprintf("task-%d", len(e.seen)+1),
		UserID:        req.UserID,
		ChannelID:     req.ChannelID,
		SourceItemRef: req.Item.Ref,
		Status:        pipeline.StatusQueued,
		CreatedAt:     time.Now().UTC(),
	}
	e.seen[key] = task
	return task, true, nil
}

func (e *fakeEnqueuer) created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func (e *fakeEnqueuer) requestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *fakeEnqueuer) lastRequest() pipeline.EnqueueRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

func item(ref string) upstream.Item {
	return upstream.Item{
		Ref:      ref,
		Title:    "clip " + ref,
		Filename: ref + ".mp4",
		PostedAt: time.Now().UTC(),
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never reached")
}

func TestImmediateScanEnqueuesNewItems(t *testing.T) {
	t.Parallel()
	registry := channels.NewRegistry(nil, nil)
	ch, err := registry.Add("u1", "@demo", "Demo")
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	client := &fakeClient{items: map[string][]upstream.Item{
		"@demo": {item("msg-1"), item("msg-2")},
	}}
	enqueuer := newFakeEnqueuer()

	m := monitor.New(nil, "u1", client, registry, enqueuer, time.Hour)
	m.Start(context.Background())
	defer m.Stop()

	waitUntil(t, func() bool { return enqueuer.created() == 2 })

	req := enqueuer.lastRequest()
	if req.UserID != "u1" || req.ChannelID != ch.ID || req.SourceRef != "@demo" {
		t.Fatalf("enqueue request = %+v", req)
	}
	if req.Fetcher == nil {
		t.Fatalf("enqueue request must carry the live client as fetcher")
	}

	waitUntil(t, func() bool {
		got, err := registry.Get("u1", ch.ID)
		return err == nil && got.TotalDetected == 2 && !got.LastCheckedAt.IsZero()
	})
}

func TestScanIsolatesChannelFailures(t *testing.T) {
	t.Parallel()
	registry := channels.NewRegistry(nil, nil)
	broken, err := registry.Add("u1", "@broken", "")
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	healthy, err := registry.Add("u1", "@healthy", "")
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	client := &fakeClient{
		items: map[string][]upstream.Item{"@healthy": {item("msg-9")}},
		errs:  map[string]error{"@broken": errors.New("flood wait")},
	}
	enqueuer := newFakeEnqueuer()

	m := monitor.New(nil, "u1", client, registry, enqueuer, time.Hour)
	m.Start(context.Background())
	defer m.Stop()

	waitUntil(t, func() bool { return enqueuer.created() == 1 })
	waitUntil(t, func() bool {
		got, err := registry.Get("u1", healthy.ID)
		return err == nil && got.TotalDetected == 1
	})

	// The failed channel keeps its watermark so the window is retried.
	got, err := registry.Get("u1", broken.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !got.LastCheckedAt.IsZero() || got.TotalDetected != 0 {
		t.Fatalf("failed channel must not advance, got %+v", got)
	}
}

func TestRescanOfKnownItemsCreatesNothing(t *testing.T) {
	t.Parallel()
	registry := channels.NewRegistry(nil, nil)
	if _, err := registry.Add("u1", "@demo", ""); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	client := &fakeClient{items: map[string][]upstream.Item{
		"@demo": {item("msg-1"), item("msg-2")},
	}}
	enqueuer := newFakeEnqueuer()

	m := monitor.New(nil, "u1", client, registry, enqueuer, 20*time.Millisecond)
	m.Start(context.Background())
	defer m.Stop()

	// Wait for at least three full scans of the same two items.
	waitUntil(t, func() bool { return client.calls() >= 3 })
	if created := enqueuer.created(); created != 2 {
		t.Fatalf("created tasks = %d, want 2 across repeated scans", created)
	}
	if enqueuer.requestCount() < 4 {
		t.Fatalf("repeated scans should keep offering known items, saw %d requests", enqueuer.requestCount())
	}
}

func TestInactiveChannelsAreSkipped(t *testing.T) {
	t.Parallel()
	registry := channels.NewRegistry(nil, nil)
	ch, err := registry.Add("u1", "@paused", "")
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if _, err := registry.Toggle("u1", ch.ID, false); err != nil {
		t.Fatalf("Toggle returned error: %v", err)
	}

	client := &fakeClient{items: map[string][]upstream.Item{
		"@paused": {item("msg-1")},
	}}
	enqueuer := newFakeEnqueuer()

	m := monitor.New(nil, "u1", client, registry, enqueuer, 20*time.Millisecond)
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(80 * time.Millisecond)
	if enqueuer.requestCount() != 0 {
		t.Fatalf("paused channel was scanned, %d requests", enqueuer.requestCount())
	}
}

func TestStopHaltsScanning(t *testing.T) {
	t.Parallel()
	registry := channels.NewRegistry(nil, nil)
	if _, err := registry.Add("u1", "@demo", ""); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	client := &fakeClient{items: map[string][]upstream.Item{"@demo": {item("msg-1")}}}
	enqueuer := newFakeEnqueuer()

	m := monitor.New(nil, "u1", client, registry, enqueuer, 10*time.Millisecond)
	m.Start(context.Background())
	waitUntil(t, func() bool { return client.calls() >= 2 })

	m.Stop()
	settled := client.calls()
	time.Sleep(50 * time.Millisecond)
	if client.calls() != settled {
		t.Fatalf("scans continued after Stop: %d -> %d", settled, client.calls())
	}

	// Stop is idempotent and safe on a never-started monitor.
	m.Stop()
	monitor.New(nil, "u2", client, registry, enqueuer, time.Hour).Stop()
}
