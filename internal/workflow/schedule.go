package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conductor/internal/config"
)

// cronParser accepts standard 5-field expressions, 6-field with
// seconds, and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Runner starts one session turn. The engine implements it.
type Runner interface {
	Run(ctx context.Context, req Request) (*Outcome, error)
}

// ScheduleStatus describes one schedule for operator listings.
type ScheduleStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Mode    string    `json:"mode"`
	NextRun time.Time `json:"next_run"`
	Running bool      `json:"running"`
}

// scheduleEntry is one recurring run. running enforces at most one
// concurrent session per schedule name.
type scheduleEntry struct {
	name     string
	spec     string
	message  string
	mode     string
	every    time.Duration
	cron     cron.Schedule
	location *time.Location

	next    time.Time
	running atomic.Bool
}

func (en *scheduleEntry) nextAfter(t time.Time) time.Time {
	if en.every > 0 {
		return t.Add(en.every)
	}
	return en.cron.Next(t.In(en.location))
}

// Scheduler fires configured workflow runs on their cron or interval
// schedules through the normal engine entrypoint.
type Scheduler struct {
	runner Runner
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []*scheduleEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses the configured schedules. Invalid expressions and
// timezones are configuration errors, reported before anything runs.
func NewScheduler(cfgs []config.ScheduleConfig, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner: runner,
		logger: logger.With("component", "workflow-scheduler"),
		now:    time.Now,
	}
	for _, cfg := range cfgs {
		en := &scheduleEntry{
			name:     cfg.Name,
			message:  cfg.Message,
			mode:     cfg.Mode,
			every:    cfg.Every(),
			location: time.Local,
		}
		if cfg.Timezone != "" {
			loc, err := time.LoadLocation(cfg.Timezone)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: unknown timezone %q", cfg.Name, cfg.Timezone)
			}
			en.location = loc
		}
		switch {
		case cfg.Cron != "":
			sched, err := cronParser.Parse(cfg.Cron)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", cfg.Name, err)
			}
			en.cron = sched
			en.spec = cfg.Cron
		case cfg.EveryMS > 0:
			en.spec = "every " + cfg.Every().String()
		default:
			return nil, fmt.Errorf("schedule %q: cron or every_ms is required", cfg.Name)
		}
		s.entries = append(s.entries, en)
	}
	return s, nil
}

// Start arms every schedule and launches the timer loop. It returns
// immediately; runs happen on their own goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	now := s.now()
	s.mu.Lock()
	for _, en := range s.entries {
		en.next = en.nextAfter(now)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("workflow scheduler started", "schedules", len(s.entries))
}

// Stop cancels the loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Entries reports every schedule with its next run time.
func (s *Scheduler) Entries() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleStatus, len(s.entries))
	for i, en := range s.entries {
		out[i] = ScheduleStatus{
			Name:    en.name,
			Spec:    en.spec,
			Mode:    en.mode,
			NextRun: en.next,
			Running: en.running.Load(),
		}
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		soonest := s.entries[0].next
		for _, en := range s.entries[1:] {
			if en.next.Before(soonest) {
				soonest = en.next
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(soonest.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue starts every schedule whose time has come, skipping any whose
// previous run is still in flight.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	var due []*scheduleEntry
	s.mu.Lock()
	for _, en := range s.entries {
		if !en.next.After(now) {
			due = append(due, en)
			en.next = en.nextAfter(now)
		}
	}
	s.mu.Unlock()

	for _, en := range due {
		if !en.running.CompareAndSwap(false, true) {
			s.logger.Warn("scheduled run still in progress, skipping", "schedule", en.name)
			continue
		}
		s.wg.Add(1)
		go func(en *scheduleEntry) {
			defer s.wg.Done()
			defer en.running.Store(false)
			sessionID := uuid.NewString()
			s.logger.Info("scheduled run starting", "schedule", en.name, "session", sessionID)
			out, err := s.runner.Run(ctx, Request{
				SessionID:   sessionID,
				UserMessage: en.message,
				Mode:        en.mode,
			})
			if err != nil {
				s.logger.Error("scheduled run failed", "schedule", en.name, "session", sessionID, "error", err)
				return
			}
			s.logger.Info("scheduled run finished", "schedule", en.name, "session", sessionID, "mode", out.Mode)
		}(en)
	}
}
