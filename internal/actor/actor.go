// Package actor runs each automation as an isolated goroutine with a
// mailbox, private user state and named timers. A fault in one
// automation's callbacks never reaches another automation or the
// runtime.
package actor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/internal/event"
	"mirai/pkg/automation"
)

// messageBuffer is the capacity of the timer/scheduler mailbox.
const messageBuffer = 16

// Actor hosts one automation. Its callbacks run sequentially on the
// actor's goroutine; timers and schedule firings are queued onto the
// same loop.
type Actor struct {
	def    automation.Automation
	name   string
	ctx    *automation.Context
	logger *zap.Logger
	clk    clock.Clock

	haSub   *bus.Subscription
	mqttSub *bus.Subscription
	msgs    chan string

	timersMu sync.Mutex
	timers   map[string]clock.Timer

	state interface{}

	alive  atomic.Bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// newActor wires an automation into the bus and its runtime services.
// The supervisor owns actor lifecycles; this is not called directly.
func newActor(def automation.Automation, b *bus.Bus, clk clock.Clock, deps Deps, logger *zap.Logger) *Actor {
	a := &Actor{
		def:     def,
		name:    def.Name(),
		logger:  logger.Named("automation").Named(def.Name()),
		clk:     clk,
		haSub:   b.Subscribe(bus.TopicHA),
		mqttSub: b.Subscribe(bus.TopicMQTT),
		msgs:    make(chan string, messageBuffer),
		timers:  make(map[string]clock.Timer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	a.ctx = &automation.Context{
		Automation: a.name,
		Logger:     a.logger,
		HA:         deps.HA,
		States:     deps.States,
		Globals:    deps.Globals,
		MQTT:       deps.MQTT,
		Timers:     a,
	}
	a.state = a.initialState()
	return a
}

func (a *Actor) initialState() interface{} {
	if init, ok := a.def.(automation.Initializer); ok {
		return init.InitialState()
	}
	return map[string]interface{}{}
}

// start launches the supervision loop: the actor's receive loop is
// restarted with a fresh initial state if a crash ever escapes the
// per-callback recovery.
func (a *Actor) start() {
	a.alive.Store(true)
	go func() {
		defer close(a.doneCh)
		for {
			crashed := a.loop()
			if !crashed {
				return
			}
			a.logger.Error("Automation loop crashed, restarting with fresh state")
			a.state = a.initialState()
		}
	}()
}

// stop terminates the actor and cancels its timers.
func (a *Actor) stop() {
	a.alive.Store(false)
	close(a.stopCh)
	<-a.doneCh

	a.haSub.Unsubscribe()
	a.mqttSub.Unsubscribe()

	a.timersMu.Lock()
	for name, t := range a.timers {
		t.Stop()
		delete(a.timers, name)
	}
	a.timersMu.Unlock()
}

// deliver queues a scheduler message. It reports false when the actor
// is not alive.
func (a *Actor) deliver(msg string) bool {
	if !a.alive.Load() {
		return false
	}
	a.enqueue(msg)
	return true
}

func (a *Actor) loop() (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			a.logger.Error("Escaped panic in automation loop", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case ev, ok := <-a.haSub.C:
			if !ok {
				return false
			}
			a.dispatchEvent(ev)
		case ev, ok := <-a.mqttSub.C:
			if !ok {
				return false
			}
			a.dispatchEvent(ev)
		case msg := <-a.msgs:
			a.dispatchMessage(msg)
		case <-a.stopCh:
			return false
		}
	}
}

func (a *Actor) dispatchEvent(ev *event.Event) {
	next, err := a.callHandleEvent(ev)
	if err != nil {
		a.logger.Error("Event callback failed, keeping previous state",
			zap.String("event_id", ev.ID),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err))
		return
	}
	a.commit(next)
}

func (a *Actor) dispatchMessage(msg string) {
	handler, ok := a.def.(automation.MessageHandler)
	if !ok {
		a.logger.Debug("No message handler, ignoring", zap.String("message", msg))
		return
	}

	next, err := a.callHandleMessage(handler, msg)
	if err != nil {
		a.logger.Error("Message callback failed, keeping previous state",
			zap.String("message", msg),
			zap.Error(err))
		return
	}
	a.commit(next)
}

// commit installs the state returned by a callback. A nil return from
// a callback that previously held state is treated as an accidental
// shape error, not a reset.
func (a *Actor) commit(next interface{}) {
	if next == nil && a.state != nil {
		a.logger.Warn("Callback returned no state, keeping previous state")
		return
	}
	a.state = next
}

func (a *Actor) callHandleEvent(ev *event.Event) (next interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.def.HandleEvent(a.ctx, ev, a.state)
}

func (a *Actor) callHandleMessage(handler automation.MessageHandler, msg string) (next interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler.HandleMessage(a.ctx, msg, a.state)
}

// ScheduleTimer arms a named timer. An existing timer under the same
// name is cancelled before the new handle is stored, so the map never
// points at a stale handle.
func (a *Actor) ScheduleTimer(name string, delay time.Duration) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if old, ok := a.timers[name]; ok {
		old.Stop()
		delete(a.timers, name)
	}

	holder := new(clock.Timer)
	t := a.clk.AfterFunc(delay, func() { a.fireTimer(name, holder) })
	*holder = t
	a.timers[name] = t
}

// CancelTimer disarms a named timer; unknown names are a no-op.
func (a *Actor) CancelTimer(name string) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if t, ok := a.timers[name]; ok {
		t.Stop()
		delete(a.timers, name)
	}
}

// fireTimer runs in the timer's goroutine. The identity check drops
// firings from handles that were replaced or cancelled after the
// callback was already scheduled.
func (a *Actor) fireTimer(name string, holder *clock.Timer) {
	a.timersMu.Lock()
	cur, ok := a.timers[name]
	if !ok || cur != *holder {
		a.timersMu.Unlock()
		return
	}
	delete(a.timers, name)
	a.timersMu.Unlock()

	a.enqueue(name)
}

func (a *Actor) enqueue(msg string) {
	select {
	case a.msgs <- msg:
	default:
		a.logger.Warn("Message mailbox full, dropping",
			zap.String("message", msg))
	}
}

// timerCount reports how many timers are armed. Used by tests.
func (a *Actor) timerCount() int {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	return len(a.timers)
}
