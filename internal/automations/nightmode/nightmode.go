// Package nightmode flips a shared night_mode flag on a daily
// schedule, switches the configured lights off for the night, and
// answers motion during the night with a dim hallway light.
package nightmode

import (
	"time"

	"go.uber.org/zap"

	"mirai/internal/event"
	"mirai/pkg/automation"
)

const (
	// GlobalKey is the night flag other automations may read.
	GlobalKey = "night_mode"

	msgNightStart  = "night_start"
	msgNightEnd    = "night_end"
	msgSunsetSoon  = "sunset_soon"
	msgMotionClear = "motion_clear"
)

func init() {
	automation.Register(automation.Info{
		Name:        "nightmode",
		Description: "Nightly lights-out with motion-activated night light",
		Priority:    automation.PriorityDefault,
		Factory:     New,
	})
}

// NightMode is the automation instance.
type NightMode struct {
	cfg    Config
	logger *zap.Logger
}

// New builds the automation from its optional YAML config.
func New(setup automation.Setup) (automation.Automation, error) {
	cfg, err := LoadConfig(setup.ConfigDir, setup.Logger)
	if err != nil {
		return nil, err
	}
	return &NightMode{
		cfg:    cfg,
		logger: setup.Logger.Named("nightmode"),
	}, nil
}

func (n *NightMode) Name() string { return "nightmode" }

// Schedules declares the nightly window plus a pre-sunset warning.
func (n *NightMode) Schedules() []automation.ScheduleDecl {
	return []automation.ScheduleDecl{
		automation.Daily(n.cfg.NightStart, msgNightStart),
		automation.Daily(n.cfg.NightEnd, msgNightEnd),
		automation.Sunset(n.cfg.SunsetOffsetMinutes, msgSunsetSoon),
	}
}

// HandleMessage reacts to schedule and timer firings.
func (n *NightMode) HandleMessage(ctx *automation.Context, msg string, state interface{}) (interface{}, error) {
	switch msg {
	case msgNightStart:
		if err := ctx.SetGlobal(GlobalKey, true); err != nil {
			return state, err
		}
		if len(n.cfg.Lights) > 0 {
			if err := ctx.CallService("light.turn_off", map[string]interface{}{
				"entity_id": n.cfg.Lights,
			}); err != nil {
				return state, err
			}
		}
		n.logger.Info("Night mode on")
		return state, nil

	case msgNightEnd:
		if err := ctx.SetGlobal(GlobalKey, false); err != nil {
			return state, err
		}
		n.logger.Info("Night mode off")
		return state, nil

	case msgSunsetSoon:
		// Pre-light the evening only when someone has not already
		// switched the lights on.
		if len(n.cfg.Lights) == 0 {
			return state, nil
		}
		if st, ok := ctx.GetState(n.cfg.Lights[0]); ok && st.State == "on" {
			return state, nil
		}
		err := ctx.CallService("light.turn_on", map[string]interface{}{
			"entity_id":  n.cfg.Lights,
			"brightness": n.cfg.EveningBrightness,
		})
		return state, err

	case msgMotionClear:
		if n.cfg.NightLight == "" {
			return state, nil
		}
		err := ctx.CallService("light.turn_off", map[string]interface{}{
			"entity_id": n.cfg.NightLight,
		})
		return state, err

	default:
		return state, nil
	}
}

// HandleEvent answers night-time motion with a dim light that clears
// itself a few minutes later.
func (n *NightMode) HandleEvent(ctx *automation.Context, ev *event.Event, state interface{}) (interface{}, error) {
	if ev.Type != event.TypeStateChanged || ev.EntityID != n.cfg.MotionSensor {
		return state, nil
	}
	if ev.NewState == nil || ev.NewState.State != "on" {
		return state, nil
	}
	if night, _ := ctx.GetGlobal(GlobalKey, false).(bool); !night {
		return state, nil
	}
	if n.cfg.NightLight == "" {
		return state, nil
	}

	if err := ctx.CallService("light.turn_on", map[string]interface{}{
		"entity_id":  n.cfg.NightLight,
		"brightness": n.cfg.NightBrightness,
	}); err != nil {
		return state, err
	}
	ctx.ScheduleTimer(msgMotionClear, time.Duration(n.cfg.MotionClearMinutes)*time.Minute)
	return state, nil
}

var (
	_ automation.Automation     = (*NightMode)(nil)
	_ automation.MessageHandler = (*NightMode)(nil)
	_ automation.Scheduled      = (*NightMode)(nil)
)
