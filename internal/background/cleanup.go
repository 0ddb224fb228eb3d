package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic sweep. Run reports how many records it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper is satisfied by ratelimit.Limiter.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// LimiterSweep evicts stale rate limit counters.
func LimiterSweep(s Sweeper) Task {
	return Task{Name: "rate_limit_entries", Run: func(ctx context.Context) (int64, error) {
		n, err := s.Sweep(ctx)
		return int64(n), err
	}}
}

// CSRFSweep evicts expired CSRF tokens.
func CSRFSweep(sweep func(ctx context.Context) (int, error)) Task {
	return Task{Name: "csrf_tokens", Run: func(ctx context.Context) (int64, error) {
		n, err := sweep(ctx)
		return int64(n), err
	}}
}

// StaleTokenDeleter is satisfied by repositories.RefreshTokenRepository.
type StaleTokenDeleter interface {
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// RefreshTokenSweep deletes refresh tokens that were revoked or expired more
// than retention ago. Recent rows stay so replays are still recognized.
func RefreshTokenSweep(repo StaleTokenDeleter, retention time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Task{Name: "refresh_tokens", Run: func(ctx context.Context) (int64, error) {
		return repo.DeleteStale(ctx, now().Add(-retention))
	}}
}

// CleanupManager runs its tasks on a fixed interval until stopped.
type CleanupManager struct {
	tasks    []Task
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(logger *slog.Logger, interval time.Duration, tasks ...Task) *CleanupManager {
	return &CleanupManager{
		tasks:    tasks,
		logger:   logger,
		interval: interval,
		timeout:  30 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks, running every task immediately and then once per interval.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce runs each task once. A failing task does not stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	for _, task := range cm.tasks {
		taskCtx, cancel := context.WithTimeout(ctx, cm.timeout)
		removed, err := task.Run(taskCtx)
		cancel()

		if err != nil {
			cm.logger.Error("cleanup task failed", slog.String("task", task.Name), slog.Any("error", err))
			continue
		}
		if removed > 0 {
			cm.logger.Info("cleanup task completed", slog.String("task", task.Name), slog.Int64("removed", removed))
		}
	}
}

// Stop signals the cleanup manager to stop. Safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
