// Package maintenance runs the scheduled retention sweep: terminal
// download tasks older than the retention window and expired login
// challenges.
package maintenance

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telesyncapp/telesync/internal/config"
)

// TaskPruner removes terminal download tasks whose terminal timestamp
// predates the cutoff.
type TaskPruner interface {
	PruneTerminal(cutoff time.Time) int
}

// ChallengeSweeper clears login challenges whose TTL has passed.
type ChallengeSweeper interface {
	ExpireChallenges(now time.Time) int
}

// Service triggers the sweep on a cron schedule.
type Service struct {
	logger    *slog.Logger
	cron      *cron.Cron
	spec      string
	retention time.Duration
	pruner    TaskPruner
	sessions  ChallengeSweeper

	mu      sync.Mutex
	started bool
}

// NewService validates the sweep spec up front so a broken schedule fails
// at boot. Zero config fields fall back to defaults (03:00 daily, 30 day
// retention).
func NewService(log *slog.Logger, cfg config.MaintenanceConfig, pruner TaskPruner, sessions ChallengeSweeper) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	spec := strings.TrimSpace(cfg.SweepSpec)
	if spec == "" {
		spec = config.DefaultSweepSpec
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = config.DefaultRetentionDays
	}

	return &Service{
		logger:    log.With(slog.String("service", "maintenance")),
		cron:      cron.New(cron.WithParser(parser)),
		spec:      spec,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		pruner:    pruner,
		sessions:  sessions,
	}, nil
}

// Start registers the sweep job and starts the scheduler. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(time.Now().UTC()) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("sweep scheduled",
		slog.String("spec", s.spec),
		slog.Duration("retention", s.retention))
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info("sweep stopped")
}

// RunOnce executes one sweep relative to now and reports what it removed.
func (s *Service) RunOnce(now time.Time) (prunedTasks, expiredChallenges int) {
	cutoff := now.Add(-s.retention)
	if s.pruner != nil {
		prunedTasks = s.pruner.PruneTerminal(cutoff)
	}
	if s.sessions != nil {
		expiredChallenges = s.sessions.ExpireChallenges(now)
	}
	if prunedTasks > 0 || expiredChallenges > 0 {
		s.logger.Info("sweep completed",
			slog.Time("cutoff", cutoff),
			slog.Int("pruned_tasks", prunedTasks),
			slog.Int("expired_challenges", expiredChallenges))
	}
	return prunedTasks, expiredChallenges
}
