// Package automation defines the public surface user automations are
// written against: the callback interfaces, schedule declarations, the
// helper context passed into every callback, and the registry that
// collects automations at init time for the supervisor to start.
package automation

import (
	"time"

	"go.uber.org/zap"

	"mirai/internal/event"
)

// Automation is the minimal contract every automation fulfils.
// HandleEvent is invoked for every event on the subscribed topics and
// returns the next user state. Returning an error keeps the previous
// state. Callbacks for one automation never run concurrently.
type Automation interface {
	Name() string
	HandleEvent(ctx *Context, ev *event.Event, state interface{}) (interface{}, error)
}

// Initializer is implemented by automations that want a starting state
// other than an empty map. It is also re-invoked after a supervised
// restart.
type Initializer interface {
	InitialState() interface{}
}

// MessageHandler is implemented by automations that receive timer and
// scheduler firings. msg is the name the automation chose when arming
// the timer or declaring the schedule.
type MessageHandler interface {
	HandleMessage(ctx *Context, msg string, state interface{}) (interface{}, error)
}

// Scheduled is implemented by automations that declare time-based
// triggers.
type Scheduled interface {
	Schedules() []ScheduleDecl
}

// Setup carries the construction-time dependencies handed to
// factories. Runtime services arrive later via the Context.
type Setup struct {
	// ConfigDir is where automations may load optional YAML config.
	ConfigDir string

	// Logger is the root logger; factories should derive a named one.
	Logger *zap.Logger

	// Location is the configured timezone.
	Location *time.Location
}

// Factory constructs an automation instance from its setup.
type Factory func(setup Setup) (Automation, error)
