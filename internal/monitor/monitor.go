// Package monitor runs the per-user channel polling loop. One Monitor
// exists per connected user; the session supervisor starts it on confirm
// and stops it on disconnect.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telesyncapp/telesync/internal/channels"
	"github.com/telesyncapp/telesync/internal/pipeline"
	"github.com/telesyncapp/telesync/internal/upstream"
)

// DefaultInterval is the scan interval used when none is configured.
const DefaultInterval = 30 * time.Second

// Registry is the channel-registry surface the monitor scans.
type Registry interface {
	ListActive(userID string) []channels.Channel
	MarkChecked(userID, channelID string, detected int) error
}

// Enqueuer admits detected items into the download pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, req pipeline.EnqueueRequest) (pipeline.Task, bool, error)
}

// Monitor polls one user's active channels for new items. Channels are
// scanned independently: one channel failing never blocks the others, and
// only a fully scanned channel gets its last-checked watermark advanced.
type Monitor struct {
	log      *slog.Logger
	userID   string
	client   upstream.Client
	registry Registry
	pipeline Enqueuer
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a monitor for one user's live upstream client.
func New(log *slog.Logger, userID string, client upstream.Client, registry Registry, enqueuer Enqueuer, interval time.Duration) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		log:      log.With(slog.String("service", "monitor"), slog.String("user_id", userID)),
		userID:   userID,
		client:   client,
		registry: registry,
		pipeline: enqueuer,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop: an immediate scan, then one per
// interval. Subsequent calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		go m.run(ctx)
	})
}

// Stop cancels the loop and waits for the in-flight scan to return.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	m.log.Info("monitor started", slog.Duration("interval", m.interval))

	m.scan(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan walks the user's active channels once. Errors are logged per
// channel and scanning continues; the failed channel keeps its watermark
// so the next tick retries the same window.
func (m *Monitor) scan(ctx context.Context) {
	for _, ch := range m.registry.ListActive(m.userID) {
		if ctx.Err() != nil {
			return
		}
		detected, err := m.scanChannel(ctx, ch)
		if err != nil {
			m.log.Warn("channel scan failed",
				slog.String("channel_id", ch.ID),
				slog.String("source_ref", ch.SourceRef),
				slog.Any("error", err))
			continue
		}
		if err := m.registry.MarkChecked(m.userID, ch.ID, detected); err != nil {
			// Removed mid-scan.
			continue
		}
		if detected > 0 {
			m.log.Info("new items detected",
				slog.String("channel_id", ch.ID),
				slog.String("source_ref", ch.SourceRef),
				slog.Int("count", detected))
		}
	}
}

// scanChannel lists items posted after the channel's watermark and hands
// each to the pipeline. The count of newly created tasks comes back; items
// already tracked under their (channel, item ref) key are no-ops.
func (m *Monitor) scanChannel(ctx context.Context, ch channels.Channel) (int, error) {
	items, err := m.client.ListNewItems(ctx, ch.SourceRef, ch.LastCheckedAt)
	if err != nil {
		return 0, fmt.Errorf("list new items: %w", err)
	}

	fresh := 0
	for _, item := range items {
		_, created, err := m.pipeline.Enqueue(ctx, pipeline.EnqueueRequest{
			UserID:    m.userID,
			ChannelID: ch.ID,
			SourceRef: ch.SourceRef,
			Item:      item,
			Fetcher:   m.client,
		})
		if err != nil {
			return fresh, fmt.Errorf("enqueue %s: %w", item.Ref, err)
		}
		if created {
			fresh++
		}
	}
	return fresh, nil
}
