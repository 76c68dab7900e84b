package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs SyncAround on a cron schedule. Overlapping ticks are
// skipped while a run is still going.
type Scheduler struct {
	syncer *Syncer
	cron   *cron.Cron
	zone   *time.Location
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates spec (standard five-field cron) and evaluates it
// in zone.
func NewScheduler(s *Syncer, spec string, zone *time.Location, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		syncer: s,
		zone:   zone,
		logger: logger,
		cron: cron.New(
			cron.WithLocation(zone),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if _, err := sched.cron.AddFunc(spec, sched.run); err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Start begins the schedule. Runs use a context derived from ctx that Stop
// cancels.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("sync scheduler started", "next", e.Next.In(s.zone).Format(time.RFC3339))
	}
}

// Stop halts the schedule, cancels any running sync and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// RunNow performs one scheduled run synchronously.
func (s *Scheduler) RunNow() {
	s.run()
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	if !s.syncer.Configured() {
		s.logger.Debug("skipping scheduled sync, upstream not configured")
		return
	}

	start := time.Now()
	results, err := s.syncer.SyncAround(ctx, start.In(s.zone))
	stored := 0
	for _, r := range results {
		stored += r.Stored
	}
	if err != nil {
		s.logger.Error("scheduled sync failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled sync done", "weeks", len(results), "stored", stored, "duration", time.Since(start))
}
