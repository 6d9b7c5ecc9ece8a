// Package pomodoro drives a pomodoro session from MQTT commands on
// pomodoro/timer/+. A "start" command arms the work timer; when it
// fires the automation announces the break, arms the break timer, and
// finally returns to idle. Restarting while a session runs replaces
// the pending timer.
package pomodoro

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"mirai/internal/event"
	"mirai/pkg/automation"
)

const (
	commandPrefix = "pomodoro/timer/"

	msgWorkDone  = "work_done"
	msgBreakDone = "break_done"
)

func init() {
	automation.Register(automation.Info{
		Name:        "pomodoro",
		Description: "Pomodoro session timer driven by MQTT commands",
		Priority:    automation.PriorityDefault,
		Factory:     New,
	})
}

// Pomodoro is the automation instance.
type Pomodoro struct {
	cfg    Config
	logger *zap.Logger
}

// New builds the automation from its optional YAML config.
func New(setup automation.Setup) (automation.Automation, error) {
	cfg, err := LoadConfig(setup.ConfigDir, setup.Logger)
	if err != nil {
		return nil, err
	}
	return &Pomodoro{
		cfg:    cfg,
		logger: setup.Logger.Named("pomodoro"),
	}, nil
}

func (p *Pomodoro) Name() string { return "pomodoro" }

// InitialState starts every session idle.
func (p *Pomodoro) InitialState() interface{} {
	return map[string]interface{}{"phase": "idle"}
}

// Schedules emits a periodic phase heartbeat on the status topic.
func (p *Pomodoro) Schedules() []automation.ScheduleDecl {
	return []automation.ScheduleDecl{
		automation.Every(p.cfg.HeartbeatInterval(), "heartbeat"),
	}
}

// HandleEvent reacts to start/stop commands arriving over MQTT.
func (p *Pomodoro) HandleEvent(ctx *automation.Context, ev *event.Event, state interface{}) (interface{}, error) {
	if ev.Source != event.SourceMQTT || !strings.HasPrefix(ev.EntityID, commandPrefix) {
		return state, nil
	}
	if ev.EntityID == p.cfg.StatusTopic {
		return state, nil
	}

	phase := phaseOf(state)
	switch commandOf(ev) {
	case "start":
		ctx.ScheduleTimer(msgWorkDone, p.cfg.WorkDuration())
		ctx.CancelTimer(msgBreakDone)
		p.publishStatus(ctx, "working")
		return withPhase(state, "working"), nil

	case "stop":
		ctx.CancelTimer(msgWorkDone)
		ctx.CancelTimer(msgBreakDone)
		if phase != "idle" {
			p.publishStatus(ctx, "idle")
		}
		return withPhase(state, "idle"), nil

	default:
		return state, nil
	}
}

// HandleMessage advances the session when a timer fires.
func (p *Pomodoro) HandleMessage(ctx *automation.Context, msg string, state interface{}) (interface{}, error) {
	switch msg {
	case msgWorkDone:
		ctx.ScheduleTimer(msgBreakDone, p.cfg.BreakDuration())
		p.publishStatus(ctx, "break")
		return withPhase(state, "break"), nil

	case msgBreakDone:
		p.publishStatus(ctx, "idle")
		return withPhase(state, "idle"), nil

	case "heartbeat":
		p.publishStatus(ctx, phaseOf(state))
		return state, nil

	default:
		return state, nil
	}
}

func (p *Pomodoro) publishStatus(ctx *automation.Context, phase string) {
	payload, _ := json.Marshal(map[string]string{"phase": phase})
	ctx.PublishMQTT(p.cfg.StatusTopic, payload)
	p.logger.Debug("Published status", zap.String("phase", phase))
}

// commandOf extracts the command from a normalized MQTT event. The
// payload may be a bare string, a JSON object with a "state" field, or
// unparseable text wrapped under "raw".
func commandOf(ev *event.Event) string {
	if ev.NewState == nil {
		return ""
	}
	switch s := ev.NewState.State.(type) {
	case string:
		return s
	case map[string]interface{}:
		if cmd, ok := s["state"].(string); ok {
			return cmd
		}
		if raw, ok := s["raw"].(string); ok {
			return strings.TrimSpace(raw)
		}
	}
	return ""
}

func phaseOf(state interface{}) string {
	if m, ok := state.(map[string]interface{}); ok {
		if phase, ok := m["phase"].(string); ok {
			return phase
		}
	}
	return "idle"
}

func withPhase(state interface{}, phase string) map[string]interface{} {
	next := map[string]interface{}{}
	if m, ok := state.(map[string]interface{}); ok {
		for k, v := range m {
			next[k] = v
		}
	}
	next["phase"] = phase
	return next
}

// Ensure the full callback surface stays implemented.
var (
	_ automation.Automation     = (*Pomodoro)(nil)
	_ automation.Initializer    = (*Pomodoro)(nil)
	_ automation.MessageHandler = (*Pomodoro)(nil)
	_ automation.Scheduled      = (*Pomodoro)(nil)
)
