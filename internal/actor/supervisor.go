package actor

import (
	"sync"

	"go.uber.org/zap"

	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/pkg/automation"
)

// Deps bundles the runtime services exposed to automations through
// their callback context.
type Deps struct {
	HA      automation.ServiceCaller
	States  automation.StateReader
	Globals automation.GlobalStore
	MQTT    automation.Publisher
}

// Supervisor starts one actor per discovered automation and keeps them
// running until shutdown. It is also the scheduler's delivery sink.
type Supervisor struct {
	bus    *bus.Bus
	clk    clock.Clock
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewSupervisor creates a supervisor; Start it with the discovered
// automations.
func NewSupervisor(b *bus.Bus, clk clock.Clock, deps Deps, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		bus:    b,
		clk:    clk,
		deps:   deps,
		logger: logger.Named("supervisor"),
		actors: make(map[string]*Actor),
	}
}

// Start creates and starts an actor for every automation.
func (s *Supervisor) Start(autos []automation.Automation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, def := range autos {
		name := def.Name()
		if _, exists := s.actors[name]; exists {
			s.logger.Warn("Duplicate automation name, skipping",
				zap.String("automation", name))
			continue
		}
		a := newActor(def, s.bus, s.clk, s.deps, s.logger)
		s.actors[name] = a
		a.start()
		s.logger.Info("Automation started", zap.String("automation", name))
	}
}

// Stop terminates all actors.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, a := range s.actors {
		a.stop()
		delete(s.actors, name)
		s.logger.Info("Automation stopped", zap.String("automation", name))
	}
}

// Deliver queues a scheduled message for the named automation,
// reporting false when it is unknown or not alive.
func (s *Supervisor) Deliver(automationName, message string) bool {
	s.mu.Lock()
	a, ok := s.actors[automationName]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return a.deliver(message)
}
