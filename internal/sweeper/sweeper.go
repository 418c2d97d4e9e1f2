// Package sweeper runs the background expiry and cleanup pass: stale
// tasks are expired, overdue runs are failed, and blob prefixes whose
// retention window lapsed are reclaimed. Every pass is idempotent, so
// overlapping or repeated passes never double-fire.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/datakiln/internal/audit"
	"github.com/basket/datakiln/internal/bus"
	"github.com/basket/datakiln/internal/config"
	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/otel"
	"github.com/basket/datakiln/internal/persistence"
	"github.com/basket/datakiln/internal/staging"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// checkInterval is how often the loop compares the clock against the
// parsed schedule.
const checkInterval = 30 * time.Second

type Sweeper struct {
	store   *persistence.Store
	gw      *staging.Gateway
	bus     *bus.Bus // may be nil
	logger  *slog.Logger
	metrics *otel.Metrics // may be nil
	cfg     config.SweeperConfig

	schedule cronlib.Schedule
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(store *persistence.Store, gw *staging.Gateway, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, cfg config.SweeperConfig) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweeper schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		store:    store,
		gw:       gw,
		bus:      eventBus,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		schedule: schedule,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule)
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	next := s.schedule.Next(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.RunPass(ctx)
			next = s.schedule.Next(now)
		}
	}
}

// RunPass executes one full sweep: expiry, timeout, retention cleanup
// and record purging.
func (s *Sweeper) RunPass(ctx context.Context) {
	now := time.Now()
	s.expireStale(ctx, now)
	s.failStuckProcessing(ctx, now)
	s.cleanupInputs(ctx, now)
	s.cleanupFailed(ctx, now)
	s.cleanupOutputs(ctx, now)
	s.purgeRecords(ctx, now)
}

func (s *Sweeper) expireStale(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(s.cfg.StaleTaskTimeoutMinutes) * time.Minute)
	stale, err := s.store.StaleTasks(ctx, cutoff, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error("sweeper: stale task query failed", "error", err)
		return
	}
	for _, task := range stale {
		_, err := s.store.Transition(ctx, task.ID, task.Status, lifecycle.StatusExpired, persistence.TransitionUpdate{
			ErrorCode:    lifecycle.CodeTaskExpired,
			ErrorMessage: fmt.Sprintf("no upload activity within %d minutes", s.cfg.StaleTaskTimeoutMinutes),
			EventType:    "task.expired",
		})
		if err != nil {
			// The task moved concurrently; the next pass re-evaluates it.
			s.logger.Debug("sweeper: expiry skipped", "task_id", task.ID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.SweeperExpiries.Add(ctx, 1)
		}
		audit.Record("allow", "sweeper.expire", "stale_task", task.ID)
		s.logger.Info("task expired", "task_id", task.ID, "was", string(task.Status))
	}
}

func (s *Sweeper) failStuckProcessing(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(s.cfg.ProcessingTimeoutMinutes) * time.Minute)
	stuck, err := s.store.StuckProcessing(ctx, cutoff, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error("sweeper: stuck processing query failed", "error", err)
		return
	}
	for _, task := range stuck {
		_, err := s.store.Transition(ctx, task.ID, lifecycle.StatusProcessing, lifecycle.StatusFailed, persistence.TransitionUpdate{
			ErrorCode:    lifecycle.CodeProcessingTimeout,
			ErrorMessage: fmt.Sprintf("processing exceeded %d minutes", s.cfg.ProcessingTimeoutMinutes),
			EventType:    "task.timeout",
		})
		if err != nil {
			s.logger.Debug("sweeper: timeout skipped", "task_id", task.ID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.SweeperExpiries.Add(ctx, 1)
		}
		audit.Record("deny", "sweeper.timeout", "processing_deadline", task.ID)
		s.logger.Warn("task failed on processing deadline", "task_id", task.ID)
	}
}

// cleanupInputs reclaims input blobs of completed tasks. Outputs stay
// on their own, longer clock.
func (s *Sweeper) cleanupInputs(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(s.cfg.RetentionInputDays) * 24 * time.Hour)
	candidates, err := s.store.InputCleanupCandidates(ctx, cutoff, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error("sweeper: input cleanup query failed", "error", err)
		return
	}
	for _, task := range candidates {
		deleted, err := s.gw.DeleteInputs(task.ID)
		if err != nil {
			s.logger.Error("sweeper: input cleanup failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := s.store.MarkInputsCleaned(ctx, task.ID); err != nil {
			s.logger.Error("sweeper: marking inputs cleaned failed", "task_id", task.ID, "error", err)
			continue
		}
		s.recordCleanup(ctx, task.ID, deleted)
	}
}

// cleanupFailed reclaims the whole prefix of failed, cancelled and
// expired tasks once the failed-task retention window lapses. They
// never produced durable outputs.
func (s *Sweeper) cleanupFailed(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(s.cfg.RetentionFailedDays) * 24 * time.Hour)
	candidates, err := s.store.FailedCleanupCandidates(ctx, cutoff, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error("sweeper: failed cleanup query failed", "error", err)
		return
	}
	for _, task := range candidates {
		deleted, err := s.gw.DeleteAll(task.ID)
		if err != nil {
			s.logger.Error("sweeper: failed cleanup failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := s.store.MarkInputsCleaned(ctx, task.ID); err != nil {
			s.logger.Error("sweeper: marking inputs cleaned failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := s.store.MarkOutputsCleaned(ctx, task.ID); err != nil {
			s.logger.Error("sweeper: marking outputs cleaned failed", "task_id", task.ID, "error", err)
		}
		s.recordCleanup(ctx, task.ID, deleted)
	}
}

func (s *Sweeper) cleanupOutputs(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(s.cfg.RetentionOutputDays) * 24 * time.Hour)
	candidates, err := s.store.OutputCleanupCandidates(ctx, cutoff, s.cfg.CleanupBatchSize)
	if err != nil {
		s.logger.Error("sweeper: output cleanup query failed", "error", err)
		return
	}
	for _, task := range candidates {
		deleted, err := s.gw.DeleteOutputs(task.ID)
		if err != nil {
			s.logger.Error("sweeper: output cleanup failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := s.store.MarkOutputsCleaned(ctx, task.ID); err != nil {
			s.logger.Error("sweeper: marking outputs cleaned failed", "task_id", task.ID, "error", err)
			continue
		}
		s.recordCleanup(ctx, task.ID, deleted)
	}
}

func (s *Sweeper) recordCleanup(ctx context.Context, taskID string, deleted int) {
	if s.metrics != nil {
		s.metrics.SweeperCleanups.Add(ctx, 1)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCleaned, bus.CleanedEvent{TaskID: taskID, FilesDeleted: deleted})
	}
	audit.Record("allow", "sweeper.cleanup", "retention_lapsed", taskID)
	s.logger.Info("storage reclaimed", "task_id", taskID, "objects_deleted", deleted)
}

func (s *Sweeper) purgeRecords(ctx context.Context, now time.Time) {
	if s.cfg.RetentionTaskEventsDays > 0 {
		cutoff := now.Add(-time.Duration(s.cfg.RetentionTaskEventsDays) * 24 * time.Hour)
		if n, err := s.store.PurgeTaskEvents(ctx, cutoff); err != nil {
			s.logger.Error("sweeper: task event purge failed", "error", err)
		} else if n > 0 {
			s.logger.Info("task events purged", "rows", n)
		}
	}
	if s.cfg.RetentionAuditLogDays > 0 {
		cutoff := now.Add(-time.Duration(s.cfg.RetentionAuditLogDays) * 24 * time.Hour)
		if n, err := s.store.PurgeAuditLog(ctx, cutoff); err != nil {
			s.logger.Error("sweeper: audit log purge failed", "error", err)
		} else if n > 0 {
			s.logger.Info("audit rows purged", "rows", n)
		}
	}
}
