package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telesyncapp/telesync/internal/config"
	"github.com/telesyncapp/telesync/internal/event"
	"github.com/telesyncapp/telesync/internal/storage"
	"github.com/telesyncapp/telesync/internal/upstream"
)

// Fetcher opens the payload stream for a detected item. The monitor passes
// the user's live upstream client here; upstream clients keep fetches
// working after Close, so queued work survives a disconnect.
type Fetcher interface {
	Fetch(ctx context.Context, sourceRef string, item upstream.Item) (io.ReadCloser, error)
}

// EnqueueRequest describes one detected item to download.
type EnqueueRequest struct {
	UserID    string
	ChannelID string
	SourceRef string
	Item      upstream.Item
	Fetcher   Fetcher
}

// Service runs the download state machine. Detected items enter a bounded
// queue, the worker pool fetches and stores payloads, and every state
// change is published to the notification hub.
//
// Workers run on the service's own lifecycle context rather than the
// enqueuing caller's: a user disconnecting stops detection but never
// aborts tasks already queued or downloading.
type Service struct {
	log     *slog.Logger
	store   *taskStore
	adapter storage.Adapter
	hub     event.Publisher

	queue        chan workItem
	workers      int
	progressStep int

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type workItem struct {
	userID string
	taskID string
}

// NewService creates the pipeline with the configured queue depth, worker
// count and progress step. Zero config fields fall back to defaults.
func NewService(log *slog.Logger, cfg config.PipelineConfig, adapter storage.Adapter, hub event.Publisher) *Service {
	if log == nil {
		log = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}
	progressStep := cfg.ProgressStep
	if progressStep <= 0 {
		progressStep = config.DefaultProgressStep
	}
	return &Service{
		log:          log.With(slog.String("service", "pipeline")),
		store:        newTaskStore(),
		adapter:      adapter,
		hub:          hub,
		queue:        make(chan workItem, queueSize),
		workers:      workers,
		progressStep: progressStep,
	}
}

// Start launches the worker pool once. Enqueue and Retry call it lazily,
// so an explicit call is only needed to front-load the workers.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.runWorker()
		}
		s.log.Info("workers started", slog.Int("workers", s.workers), slog.Int("queue_size", cap(s.queue)))
	})
}

// Shutdown stops the workers and waits for in-flight downloads to settle,
// bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.Start()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue creates a task for the item unless one already exists for its
// (channelID, sourceItemRef) key, in any state. The bool reports whether a
// new task was created; on a duplicate the existing task comes back with
// false and no error. When the queue is full the send waits (backpressure)
// until ctx is cancelled, at which point the task is removed again so the
// item can be re-detected on a later scan.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (Task, bool, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Task{}, false, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		return Task{}, false, fmt.Errorf("channel id is required")
	}
	if strings.TrimSpace(req.Item.Ref) == "" {
		return Task{}, false, fmt.Errorf("item ref is required")
	}
	if req.Fetcher == nil {
		return Task{}, false, fmt.Errorf("fetcher is required")
	}

	filename := strings.TrimSpace(req.Item.Filename)
	if filename == "" {
		filename = req.Item.Ref
	}
	record := &taskRecord{
		task: Task{
			ID:            uuid.NewString(),
			UserID:        req.UserID,
			ChannelID:     req.ChannelID,
			SourceItemRef: req.Item.Ref,
			Filename:      filename,
			Title:         req.Item.Title,
			ByteSize:      req.Item.ByteSize,
			Status:        StatusQueued,
			CreatedAt:     time.Now().UTC(),
		},
		sourceRef: req.SourceRef,
		item:      req.Item,
		fetcher:   req.Fetcher,
	}

	task, created := s.store.createIfAbsent(record)
	if !created {
		return task, false, nil
	}

	s.Start()
	select {
	case s.queue <- workItem{userID: task.UserID, taskID: task.ID}:
		return task, true, nil
	case <-ctx.Done():
		_, _ = s.store.delete(task.UserID, task.ID)
		return Task{}, false, fmt.Errorf("enqueue %s: %w", req.Item.Ref, ctx.Err())
	case <-s.ctx.Done():
		_, _ = s.store.delete(task.UserID, task.ID)
		return Task{}, false, fmt.Errorf("enqueue %s: pipeline stopped", req.Item.Ref)
	}
}

// Get returns one task by id.
func (s *Service) Get(userID, taskID string) (Task, error) {
	return s.store.get(userID, taskID)
}

// List returns the user's download log, newest first, plus the total count
// before limit/offset slicing.
func (s *Service) List(userID string, limit, offset int) ([]Task, int) {
	return s.store.list(userID, limit, offset)
}

// Retry moves a failed task back to queued, resetting progress and error
// state, and hands it to the workers again. Tasks in any other state
// return ErrNotRetriable.
func (s *Service) Retry(ctx context.Context, userID, taskID string) (Task, error) {
	task, applied, err := s.store.update(userID, taskID, func(t *Task) bool {
		if t.Status != StatusFailed {
			return false
		}
		t.Status = StatusQueued
		t.ProgressPct = 0
		t.ErrorReason = ""
		t.StoragePath = ""
		t.CompletedAt = nil
		return true
	})
	if err != nil {
		return Task{}, err
	}
	if !applied {
		return Task{}, ErrNotRetriable
	}

	s.Start()
	select {
	case s.queue <- workItem{userID: userID, taskID: taskID}:
		s.log.Info("task requeued", slog.String("user_id", userID), slog.String("task_id", taskID))
		return task, nil
	case <-ctx.Done():
		_, _, _ = s.store.update(userID, taskID, func(t *Task) bool {
			t.Status = StatusFailed
			t.ErrorReason = "retry abandoned: work queue full"
			return true
		})
		return Task{}, fmt.Errorf("retry %s: %w", taskID, ctx.Err())
	case <-s.ctx.Done():
		return Task{}, fmt.Errorf("retry %s: pipeline stopped", taskID)
	}
}

// Delete removes the task and frees its dedup key, so the item can be
// detected again. A completed task's stored artifact is deleted with it.
func (s *Service) Delete(ctx context.Context, userID, taskID string) error {
	task, err := s.store.delete(userID, taskID)
	if err != nil {
		return err
	}
	if task.Status == StatusCompleted && task.StoragePath != "" && s.adapter != nil {
		if err := s.adapter.Delete(ctx, task.StoragePath); err != nil && !errors.Is(err, storage.ErrArtifactNotFound) {
			return fmt.Errorf("delete artifact: %w", err)
		}
	}
	s.log.Info("task deleted", slog.String("user_id", userID), slog.String("task_id", taskID))
	return nil
}

// PruneTerminal removes completed and failed tasks whose terminal
// timestamp predates cutoff. Stored artifacts are untouched.
func (s *Service) PruneTerminal(cutoff time.Time) int {
	pruned := s.store.pruneTerminal(cutoff)
	if pruned > 0 {
		s.log.Info("terminal tasks pruned", slog.Int("count", pruned))
	}
	return pruned
}

func (s *Service) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.queue:
			s.process(item)
		}
	}
}

// process drives one task through queued → downloading → completed/failed.
// Each task is handled by exactly one worker, which is what keeps its
// event order aligned with the state machine.
func (s *Service) process(item workItem) {
	record, err := s.store.record(item.userID, item.taskID)
	if err != nil {
		// Deleted while waiting in the queue.
		return
	}

	task, applied, err := s.store.update(item.userID, item.taskID, func(t *Task) bool {
		if t.Status != StatusQueued {
			return false
		}
		t.Status = StatusDownloading
		return true
	})
	if err != nil || !applied {
		return
	}
	s.publish(event.DownloadStarted(task.UserID, task.ID, task.ChannelID, task.Title))
	s.log.Info("download started",
		slog.String("user_id", task.UserID),
		slog.String("task_id", task.ID),
		slog.String("item_ref", task.SourceItemRef))

	body, err := record.fetcher.Fetch(s.ctx, record.sourceRef, record.item)
	if err != nil {
		s.fail(item, fmt.Sprintf("fetch item: %v", err))
		return
	}
	defer body.Close()

	counter := &progressReader{
		reader: body,
		total:  record.item.ByteSize,
		step:   s.progressStep,
		onStep: func(pct int) { s.progress(item, pct) },
	}
	storagePath, err := s.adapter.Put(s.ctx, storage.PutRequest{
		UserID:      task.UserID,
		ChannelID:   task.ChannelID,
		Filename:    task.Filename,
		ContentType: record.item.ContentType,
		Body:        counter,
	})
	if err != nil {
		s.fail(item, fmt.Sprintf("store payload: %v", err))
		return
	}
	if record.item.ByteSize > 0 && counter.read != record.item.ByteSize {
		_ = s.adapter.Delete(s.ctx, storagePath)
		s.fail(item, fmt.Sprintf("size mismatch: got %d bytes, want %d", counter.read, record.item.ByteSize))
		return
	}

	now := time.Now().UTC()
	task, applied, err = s.store.update(item.userID, item.taskID, func(t *Task) bool {
		if t.Status != StatusDownloading {
			return false
		}
		t.Status = StatusCompleted
		t.ProgressPct = 100
		t.StoragePath = storagePath
		t.ByteSize = counter.read
		t.CompletedAt = &now
		return true
	})
	if err != nil || !applied {
		// The task was deleted mid-download; drop the artifact so none is
		// left without an owning task.
		_ = s.adapter.Delete(s.ctx, storagePath)
		return
	}
	s.publish(event.DownloadCompleted(task.UserID, task.ID, task.StoragePath, task.ByteSize))
	s.log.Info("download completed",
		slog.String("user_id", task.UserID),
		slog.String("task_id", task.ID),
		slog.String("storage_path", task.StoragePath),
		slog.Int64("byte_size", task.ByteSize))
}

// progress raises the task's progress, never lowering it, and publishes
// the step event.
func (s *Service) progress(item workItem, pct int) {
	task, applied, err := s.store.update(item.userID, item.taskID, func(t *Task) bool {
		if t.Status != StatusDownloading || pct <= t.ProgressPct {
			return false
		}
		t.ProgressPct = pct
		return true
	})
	if err != nil || !applied {
		return
	}
	s.publish(event.DownloadProgress(task.UserID, task.ID, task.ProgressPct))
}

func (s *Service) fail(item workItem, reason string) {
	task, applied, err := s.store.update(item.userID, item.taskID, func(t *Task) bool {
		if t.Terminal() {
			return false
		}
		t.Status = StatusFailed
		t.ErrorReason = reason
		return true
	})
	if err != nil || !applied {
		return
	}
	s.log.Warn("download failed",
		slog.String("user_id", task.UserID),
		slog.String("task_id", task.ID),
		slog.String("reason", reason))
	s.publish(event.DownloadFailed(task.UserID, task.ID, reason))
}

func (s *Service) publish(ev event.Event) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(ev.UserID, ev)
}

// progressReader counts bytes flowing to storage and reports whole-step
// progress increments. With no declared size there is nothing to divide
// by, so no intermediate progress is emitted.
type progressReader struct {
	reader io.Reader
	total  int64
	step   int
	onStep func(pct int)

	read    int64
	lastPct int
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.emit()
	}
	return n, err
}

func (p *progressReader) emit() {
	if p.total <= 0 || p.onStep == nil || p.step <= 0 {
		return
	}
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	pct -= pct % p.step
	if pct > p.lastPct {
		p.lastPct = pct
		p.onStep(pct)
	}
}
