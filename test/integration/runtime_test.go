package integration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mirai/internal/actor"
	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/internal/event"
	"mirai/internal/ha"
	"mirai/internal/kv"
	"mirai/internal/statecache"
	"mirai/pkg/automation"
	"mirai/pkg/testutil"
)

const testToken = "test_token_12345"

// recordingAutomation captures every event it sees and optionally
// reacts to motion on binary_sensor.motion by turning on light.k.
type recordingAutomation struct {
	name    string
	react   bool
	mu      sync.Mutex
	events  []*event.Event
	msgs    []string
}

func (a *recordingAutomation) Name() string { return a.name }

func (a *recordingAutomation) HandleEvent(ctx *automation.Context, ev *event.Event, state interface{}) (interface{}, error) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()

	if a.react && ev.EntityID == "binary_sensor.motion" && ev.NewState != nil && ev.NewState.State == "on" {
		if err := ctx.CallService("light.turn_on", map[string]interface{}{
			"entity_id":  "light.k",
			"brightness": 255,
		}); err != nil {
			return state, err
		}
	}
	return state, nil
}

func (a *recordingAutomation) HandleMessage(_ *automation.Context, msg string, state interface{}) (interface{}, error) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
	return state, nil
}

func (a *recordingAutomation) eventIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.events))
	for i, ev := range a.events {
		ids[i] = ev.ID
	}
	return ids
}

func (a *recordingAutomation) eventCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

type runtime struct {
	server *testutil.MockHAServer
	bus    *bus.Bus
	cache  *statecache.Cache
	conn   *ha.Connector
	store  *kv.Store
	sup    *actor.Supervisor
}

type nilPublisher struct{}

func (nilPublisher) Publish(string, []byte, byte) {}

func startRuntime(t *testing.T, autos []automation.Automation) *runtime {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	server := testutil.NewMockHAServer(testToken)
	t.Cleanup(server.Close)

	store, err := kv.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eventBus := bus.New(logger)

	cache := statecache.New(server.StatesURL(), testToken, eventBus, logger)
	cache.Start()
	t.Cleanup(cache.Stop)

	conn := ha.NewConnector(server.WebSocketURL(), testToken, eventBus, logger)

	sup := actor.NewSupervisor(eventBus, clock.NewReal(), actor.Deps{
		HA:      conn,
		States:  cache,
		Globals: store,
		MQTT:    nilPublisher{},
	}, logger)
	sup.Start(autos)
	t.Cleanup(sup.Stop)

	conn.Start()
	t.Cleanup(conn.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conn.State() != ha.StateReady {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, ha.StateReady, conn.State(), "connector did not become ready")

	return &runtime{server: server, bus: eventBus, cache: cache, conn: conn, store: store, sup: sup}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// A state change fans out to the cache and to every automation, in
// publish order.
func TestStateChangedFanout(t *testing.T) {
	first := &recordingAutomation{name: "first"}
	second := &recordingAutomation{name: "second"}
	rt := startRuntime(t, []automation.Automation{first, second})

	rt.server.SetState("light.kitchen", "on", map[string]interface{}{"brightness": 255})

	waitFor(t, func() bool {
		st, ok := rt.cache.Get("light.kitchen")
		return ok && st.State == "on"
	}, "cache did not observe the state change")

	waitFor(t, func() bool { return first.eventCount() == 1 && second.eventCount() == 1 },
		"automations did not receive the event")

	for i := 0; i < 5; i++ {
		rt.server.SetState("light.kitchen", fmt.Sprintf("level_%d", i), nil)
	}
	waitFor(t, func() bool { return first.eventCount() == 6 && second.eventCount() == 6 },
		"automations missed events")

	assert.Equal(t, first.eventIDs(), second.eventIDs(),
		"both subscribers must observe the same publish order")

	st, ok := rt.cache.Get("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, "level_4", st.State)
}

// An automation's service call reaches Home Assistant with targeting
// keys lifted out of the service data.
func TestServiceCallTargetExtraction(t *testing.T) {
	reactor := &recordingAutomation{name: "reactor", react: true}
	rt := startRuntime(t, []automation.Automation{reactor})

	rt.server.SetState("binary_sensor.motion", "on", nil)

	waitFor(t, func() bool { return len(rt.server.ServiceCalls()) == 1 },
		"service call did not reach the server")

	call := rt.server.ServiceCalls()[0]
	assert.Equal(t, "light", call.Domain)
	assert.Equal(t, "turn_on", call.Service)
	assert.Equal(t, map[string]interface{}{"entity_id": "light.k"}, call.Target)
	assert.Equal(t, map[string]interface{}{"brightness": float64(255)}, call.ServiceData)
	assert.Equal(t, 2, call.ID, "first service call after subscribe carries id 2")
}

// The REST snapshot populates the cache for automations to read.
func TestBootstrapVisibleToAutomations(t *testing.T) {
	server := testutil.NewMockHAServer(testToken)
	t.Cleanup(server.Close)
	server.SeedState("sensor.outdoor_temp", "7.5", map[string]interface{}{"unit_of_measurement": "°C"})

	logger, _ := zap.NewDevelopment()
	eventBus := bus.New(logger)
	cache := statecache.New(server.StatesURL(), testToken, eventBus, logger)
	cache.Start()
	t.Cleanup(cache.Stop)

	waitFor(t, func() bool { return cache.Len() == 1 }, "bootstrap did not run")

	st, ok := cache.Get("sensor.outdoor_temp")
	require.True(t, ok)
	assert.Equal(t, "7.5", st.State)
	assert.Equal(t, []string{"sensor.outdoor_temp"}, cache.Entities())
}

// Globals written by one process run are visible after a restart.
func TestGlobalPersistenceAcrossRestart(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()

	store, err := kv.Open(dir, logger)
	require.NoError(t, err)
	require.NoError(t, store.Set("night_mode", true))
	require.NoError(t, store.Close())

	reopened, err := kv.Open(dir, logger)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, true, reopened.Get("night_mode", false))
}

// A crashing automation never starves its siblings of events.
func TestFaultIsolationAcrossAutomations(t *testing.T) {
	steady := &recordingAutomation{name: "steady"}
	crashy := &panickyAutomation{}
	rt := startRuntime(t, []automation.Automation{steady, crashy})

	for i := 0; i < 3; i++ {
		rt.server.SetState("light.kitchen", fmt.Sprintf("s%d", i), nil)
	}

	waitFor(t, func() bool { return steady.eventCount() == 3 },
		"healthy automation starved by crashing sibling")
}

type panickyAutomation struct{}

func (*panickyAutomation) Name() string { return "panicky" }

func (*panickyAutomation) HandleEvent(*automation.Context, *event.Event, interface{}) (interface{}, error) {
	panic("always fails")
}
