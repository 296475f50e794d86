package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"steamwatch/internal/storage"
	logx "steamwatch/pkg/logx"
)

// ErrNotStarted is returned by ScheduleCheck before Start (or after Stop).
var ErrNotStarted = errors.New("updater: scheduler not started")

type userJob struct {
	warmup *time.Timer
	entry  cron.EntryID
}

// Scheduler owns the per-user recurring check jobs. Jobs are in-memory only;
// Start rebuilds them from the set of linked users, so a restart converges to
// the persisted state.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	store  Store
	runner CheckRunner
	log    logx.Logger

	cron   *cron.Cron
	jobs   map[int64]userJob
	runCtx context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg Config, store Store, runner CheckRunner, log logx.Logger) *Scheduler {
	if cfg.DefaultIntervalHours <= 0 {
		cfg.DefaultIntervalHours = 6
	}
	if cfg.WarmupDelay <= 0 {
		cfg.WarmupDelay = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		runner: runner,
		log:    log,
		jobs:   map[int64]userJob{},
	}
}

// Apply updates scheduling defaults. Existing jobs keep their interval until
// rescheduled.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	if cfg.DefaultIntervalHours > 0 {
		s.cfg.DefaultIntervalHours = cfg.DefaultIntervalHours
	}
	if cfg.WarmupDelay > 0 {
		s.cfg.WarmupDelay = cfg.WarmupDelay
	}
	s.cfg.Enabled = cfg.Enabled
	s.mu.Unlock()
}

// Start launches the cron engine and arms a job for every linked user.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("update scheduler disabled")
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.cron = cron.New()
	s.cron.Start()
	s.mu.Unlock()

	ids, err := s.store.ListLinkedUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("updater: list linked users: %w", err)
	}
	armed := 0
	for _, id := range ids {
		if err := s.ScheduleCheck(ctx, id); err != nil {
			s.log.Warn("failed to arm check job", logx.Int64("user", id), logx.Err(err))
			continue
		}
		armed++
	}
	s.log.Info("update scheduler started", logx.Int("jobs", armed))
	return nil
}

// Stop cancels all jobs and waits for running cron callbacks until ctx
// expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	for id, j := range s.jobs {
		if j.warmup != nil {
			j.warmup.Stop()
		}
		delete(s.jobs, id)
	}
	s.cron = nil
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if c != nil {
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("update scheduler stopped")
}

// ScheduleCheck arms (or re-arms) the recurring check job for one user: a
// warmup timer for the first run, then a repeat every user-interval hours.
func (s *Scheduler) ScheduleCheck(ctx context.Context, telegramID int64) error {
	user, err := s.store.GetUser(ctx, telegramID)
	if err != nil {
		return err
	}
	if !user.Linked() {
		return ErrNotLinked
	}

	interval := user.CheckInterval
	if interval <= 0 {
		interval = s.cfg.DefaultIntervalHours
	}
	if interval < storage.MinCheckIntervalHours {
		interval = storage.MinCheckIntervalHours
	}
	if interval > storage.MaxCheckIntervalHours {
		interval = storage.MaxCheckIntervalHours
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return ErrNotStarted
	}
	s.removeLocked(telegramID)

	entry, err := s.cron.AddFunc(fmt.Sprintf("@every %dh", interval), func() {
		s.fire(telegramID)
	})
	if err != nil {
		return fmt.Errorf("updater: add cron entry: %w", err)
	}
	warmup := time.AfterFunc(s.cfg.WarmupDelay, func() {
		s.fire(telegramID)
	})
	s.jobs[telegramID] = userJob{warmup: warmup, entry: entry}

	s.log.Info("check job scheduled",
		logx.Int64("user", telegramID), logx.Int("interval_hours", interval))
	return nil
}

// UnscheduleCheck removes the user's job. It reports whether one existed,
// and removing a missing job is a no-op.
func (s *Scheduler) UnscheduleCheck(telegramID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[telegramID]
	if ok {
		s.removeLocked(telegramID)
		s.log.Info("check job removed", logx.Int64("user", telegramID))
	}
	return ok
}

// Scheduled reports whether the user currently has an armed job.
func (s *Scheduler) Scheduled(telegramID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[telegramID]
	return ok
}

// CheckAllUsersNow runs an immediate pass over every linked user. Per-user
// failures are logged and do not stop the sweep.
func (s *Scheduler) CheckAllUsersNow(ctx context.Context) error {
	ids, err := s.store.ListLinkedUserIDs(ctx)
	if err != nil {
		return err
	}
	s.log.Info("manual sweep started", logx.Int("users", len(ids)))
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.runner.CheckUser(ctx, id); err != nil {
			s.log.Error("sweep check failed", logx.Int64("user", id), logx.Err(err))
		}
	}
	s.log.Info("manual sweep finished")
	return nil
}

func (s *Scheduler) removeLocked(telegramID int64) {
	if j, ok := s.jobs[telegramID]; ok {
		if j.warmup != nil {
			j.warmup.Stop()
		}
		if s.cron != nil {
			s.cron.Remove(j.entry)
		}
		delete(s.jobs, telegramID)
	}
}

func (s *Scheduler) fire(telegramID int64) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := s.runner.CheckUser(ctx, telegramID); err != nil {
		s.log.Error("scheduled check failed", logx.Int64("user", telegramID), logx.Err(err))
	}
}
