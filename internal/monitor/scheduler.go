// Package monitor keeps catalogs fresh between manual triggers: it re-crawls
// dealers on a schedule and forwards detected catalog changes to
// notification channels.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Schedule is a recurring crawl of a fixed set of dealers.
type Schedule struct {
	Name     string        `json:"name"`
	Dealers  []string      `json:"dealers"`
	Interval time.Duration `json:"interval"`
}

// CrawlFunc crawls a single dealer.
type CrawlFunc func(ctx context.Context, dealerID string) error

// Scheduler runs crawls on a schedule. Each schedule crawls its dealers one
// after another, immediately on Start and then on every tick; a tick that
// arrives while the previous round is still running is dropped.
type Scheduler struct {
	schedules []*Schedule
	logger    *slog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// NewScheduler creates a new crawl scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "crawl_scheduler"),
	}
}

// Add adds a schedule. It must be called before Start.
func (s *Scheduler) Add(sched *Schedule) error {
	if sched.Interval <= 0 {
		return errors.New("schedule interval must be positive")
	}
	if len(sched.Dealers) == 0 {
		return errors.New("schedule has no dealers")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, sched)
	s.logger.Info("schedule added", "name", sched.Name, "interval", sched.Interval, "dealers", len(sched.Dealers))
	return nil
}

// Start begins executing schedules in the background.
func (s *Scheduler) Start(ctx context.Context, crawl CrawlFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	for _, sched := range s.schedules {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, sched, crawl)
		}()
	}
}

func (s *Scheduler) loop(ctx context.Context, sched *Schedule, crawl CrawlFunc) {
	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()

	s.round(ctx, sched, crawl)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.round(ctx, sched, crawl)
		}
	}
}

func (s *Scheduler) round(ctx context.Context, sched *Schedule, crawl CrawlFunc) {
	s.logger.Info("running scheduled crawl", "name", sched.Name, "dealers", len(sched.Dealers))
	for _, id := range sched.Dealers {
		if ctx.Err() != nil {
			return
		}
		if err := crawl(ctx, id); err != nil {
			s.logger.Error("scheduled crawl failed", "name", sched.Name, "dealer", id, "error", err)
		}
	}
}

// Stop cancels the schedules and waits for in-flight rounds to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
