// Package scheduler turns the schedule declarations of each automation
// into timed message deliveries: daily local times, sunrise/sunset
// offsets and fixed intervals. Each schedule arms a single-shot timer
// for its next firing and rearms after delivery.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirai/internal/clock"
	"mirai/pkg/automation"
)

// Sink receives schedule firings. Deliver reports whether the target
// automation was alive to accept the message.
type Sink interface {
	Deliver(automation, message string) bool
}

// Config carries the scheduler's timezone and observer location.
type Config struct {
	Location    *time.Location
	Latitude    float64
	Longitude   float64
	HasLocation bool
}

// dormantRetry is how long a sun schedule sleeps when no sun event
// exists (polar day or night) before looking again.
const dormantRetry = 24 * time.Hour

type entry struct {
	id         string
	automation string
	message    string
	kind       automation.ScheduleKind

	// daily
	hour, min, sec int

	// sunrise/sunset
	offset time.Duration

	// every
	every time.Duration
}

// Scheduler owns all schedule entries and their timers.
type Scheduler struct {
	cfg    Config
	clk    clock.Clock
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	entries []*entry
	timers  map[string]clock.Timer
	running bool
}

// New creates a scheduler. Add declarations, then Start.
func New(cfg Config, clk clock.Clock, sink Sink, logger *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		cfg:    cfg,
		clk:    clk,
		sink:   sink,
		logger: logger.Named("scheduler"),
		timers: make(map[string]clock.Timer),
	}
}

// Add validates and registers an automation's schedule declarations.
// Invalid declarations are logged and skipped; the valid ones are kept.
func (s *Scheduler) Add(automationName string, decls []automation.ScheduleDecl) {
	for i, decl := range decls {
		e, reason := s.build(automationName, i, decl)
		if e == nil {
			s.logger.Warn("Skipping invalid schedule declaration",
				zap.String("automation", automationName),
				zap.Int("index", i),
				zap.String("kind", string(decl.Kind)),
				zap.String("reason", reason))
			continue
		}
		s.mu.Lock()
		s.entries = append(s.entries, e)
		s.mu.Unlock()
	}
}

func (s *Scheduler) build(automationName string, index int, decl automation.ScheduleDecl) (*entry, string) {
	if decl.Message == "" {
		return nil, "missing_message"
	}

	e := &entry{
		id:         fmt.Sprintf("%s/%s/%d", automationName, decl.Message, index),
		automation: automationName,
		message:    decl.Message,
		kind:       decl.Kind,
	}

	switch decl.Kind {
	case automation.KindDaily:
		h, m, sec, err := parseTimeOfDay(decl.At)
		if err != nil {
			return nil, "invalid_daily"
		}
		e.hour, e.min, e.sec = h, m, sec

	case automation.KindSunrise, automation.KindSunset:
		if !s.cfg.HasLocation {
			return nil, "missing_location"
		}
		e.offset = time.Duration(decl.OffsetMinutes) * time.Minute

	case automation.KindEvery:
		if decl.Every <= 0 {
			return nil, "invalid_every"
		}
		e.every = decl.Every

	default:
		return nil, "unknown_kind"
	}

	return e, ""
}

// EntryCount reports how many valid schedules are registered.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start arms a timer for every registered schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.running = true
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range entries {
		s.arm(e)
	}
	s.logger.Info("Scheduler started", zap.Int("schedules", len(entries)))
}

// Stop disarms every timer. Firings already in flight may still be
// delivered.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) arm(e *entry) {
	now := s.clk.Now()
	next, ok := s.next(e, now)
	if !ok {
		s.logger.Warn("No sun event, schedule dormant until next day",
			zap.String("schedule", e.id))
		next = now.Add(dormantRetry)
		s.armAt(e, next, false)
		return
	}
	s.armAt(e, next, true)
}

// armAt installs the single-shot timer. fire=false rearms without
// delivering, used for dormant sun schedules.
func (s *Scheduler) armAt(e *entry, at time.Time, fire bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	delay := at.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	s.timers[e.id] = s.clk.AfterFunc(delay, func() {
		if fire {
			s.fire(e)
		}
		s.arm(e)
	})

	s.logger.Debug("Schedule armed",
		zap.String("schedule", e.id),
		zap.Time("at", at),
		zap.Bool("fires", fire))
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	delete(s.timers, e.id)
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	if !s.sink.Deliver(e.automation, e.message) {
		s.logger.Warn("Dropping schedule firing, automation not alive",
			zap.String("automation", e.automation),
			zap.String("message", e.message))
	}
}

// next computes the entry's next firing instant strictly after now.
// ok is false when a sun schedule has no event today or tomorrow.
func (s *Scheduler) next(e *entry, now time.Time) (time.Time, bool) {
	switch e.kind {
	case automation.KindEvery:
		return now.Add(e.every), true
	case automation.KindDaily:
		return nextDaily(now, e.hour, e.min, e.sec, s.cfg.Location), true
	default:
		return nextSun(now, e.kind, e.offset, s.cfg.Latitude, s.cfg.Longitude, s.cfg.Location)
	}
}

func parseTimeOfDay(at string) (hour, min, sec int, err error) {
	t, err := time.Parse("15:04:05", at)
	if err != nil {
		t, err = time.Parse("15:04", at)
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid time of day %q", at)
	}
	return t.Hour(), t.Minute(), t.Second(), nil
}
