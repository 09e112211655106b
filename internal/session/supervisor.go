package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/telesyncapp/telesync/internal/upstream"
)

// MonitorRunner is the running polling loop the supervisor drives.
type MonitorRunner interface {
	Start(ctx context.Context)
	Stop()
}

// MonitorFactory builds a monitor bound to one user's live client.
type MonitorFactory func(userID string, client upstream.Client) MonitorRunner

// Supervisor tracks the one monitor each connected user may have. Slots
// are keyed by user id with their own lock, so stopping one user's
// monitor never blocks another's.
type Supervisor struct {
	log     *slog.Logger
	factory MonitorFactory

	mu    sync.RWMutex
	slots map[string]*monitorSlot
}

type monitorSlot struct {
	mu      sync.Mutex
	monitor MonitorRunner
	client  upstream.Client
}

// NewSupervisor creates a supervisor that builds monitors via factory.
func NewSupervisor(log *slog.Logger, factory MonitorFactory) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log:     log.With(slog.String("service", "supervisor")),
		factory: factory,
		slots:   map[string]*monitorSlot{},
	}
}

// StartMonitor runs a monitor on the given client. An already running
// monitor for the user is stopped first, so the user ends up with exactly
// one regardless of how often this is called.
//
// Monitors run on a background-derived context; their lifetime is bound
// to Stop calls, not to the caller's request context.
func (s *Supervisor) StartMonitor(userID string, client upstream.Client) {
	slot := s.slot(userID, true)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.monitor != nil {
		slot.monitor.Stop()
		if slot.client != nil {
			_ = slot.client.Close()
		}
		s.log.Info("monitor replaced", slog.String("user_id", userID))
	}
	slot.monitor = s.factory(userID, client)
	slot.client = client
	slot.monitor.Start(context.Background())
	s.log.Info("monitor started", slog.String("user_id", userID))
}

// StopMonitor stops the user's monitor and closes the client's polling
// side. It blocks until the monitor's loop has returned. No-op when
// nothing is running.
func (s *Supervisor) StopMonitor(userID string) {
	slot := s.slot(userID, false)
	if slot == nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.monitor == nil {
		return
	}
	slot.monitor.Stop()
	if slot.client != nil {
		_ = slot.client.Close()
	}
	slot.monitor = nil
	slot.client = nil
	s.log.Info("monitor stopped", slog.String("user_id", userID))
}

// StopAll stops every running monitor. Called at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	userIDs := make([]string, 0, len(s.slots))
	for userID := range s.slots {
		userIDs = append(userIDs, userID)
	}
	s.mu.RUnlock()

	for _, userID := range userIDs {
		s.StopMonitor(userID)
	}
}

// Running reports whether the user currently has a monitor.
func (s *Supervisor) Running(userID string) bool {
	slot := s.slot(userID, false)
	if slot == nil {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.monitor != nil
}

func (s *Supervisor) slot(userID string, create bool) *monitorSlot {
	s.mu.RLock()
	slot := s.slots[userID]
	s.mu.RUnlock()
	if slot != nil || !create {
		return slot
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slot = s.slots[userID]; slot == nil {
		slot = &monitorSlot{}
		s.slots[userID] = slot
	}
	return slot
}
