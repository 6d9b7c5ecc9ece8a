// Package statecache maintains the live view of Home Assistant entity
// states. It is bootstrapped asynchronously from the REST API and kept
// current from state_changed events on the bus. A single writer
// goroutine applies both, so entries always reflect the most recently
// processed event for their entity.
package statecache

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirai/internal/bus"
	"mirai/internal/event"
)

// BootstrapTimeout bounds the REST snapshot fetch.
const BootstrapTimeout = 10 * time.Second

// EntityState is the cached view of one entity.
type EntityState struct {
	State       string
	Attributes  map[string]interface{}
	LastChanged time.Time
	LastUpdated time.Time
}

// restState mirrors one element of the GET /api/states response.
type restState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Cache is the entity state map. Reads are safe concurrently with the
// writer goroutine and never block it for long.
type Cache struct {
	statesURL string
	token     string
	logger    *zap.Logger
	client    *http.Client

	mu       sync.RWMutex
	entities map[string]EntityState

	sub      *bus.Subscription
	snapshot chan []restState
	stop     chan struct{}
	done     chan struct{}
}

// New creates a cache that will bootstrap from statesURL using token
// and follow state_changed events published on b.
func New(statesURL, token string, b *bus.Bus, logger *zap.Logger) *Cache {
	return &Cache{
		statesURL: statesURL,
		token:     token,
		logger:    logger.Named("statecache"),
		client:    &http.Client{Timeout: BootstrapTimeout},
		entities:  make(map[string]EntityState),
		sub:       b.Subscribe(bus.TopicHA),
		snapshot:  make(chan []restState, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the writer goroutine and the async REST bootstrap.
// It returns immediately; startup never waits on Home Assistant.
func (c *Cache) Start() {
	go c.bootstrap()
	go c.run()
}

// Stop terminates the writer goroutine and detaches from the bus.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
	c.sub.Unsubscribe()
}

// Get returns the cached state for entityID.
func (c *Cache) Get(entityID string) (EntityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.entities[entityID]
	return st, ok
}

// Entities returns all known entity IDs, sorted.
func (c *Cache) Entities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports how many entities are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

// run is the single writer: it serializes snapshot application and
// live event updates in arrival order.
func (c *Cache) run() {
	defer close(c.done)
	for {
		select {
		case states := <-c.snapshot:
			c.applySnapshot(states)
		case ev, ok := <-c.sub.C:
			if !ok {
				return
			}
			c.applyEvent(ev)
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) bootstrap() {
	states, err := c.fetchStates()
	if err != nil {
		c.logger.Error("State bootstrap failed, continuing with live events only",
			zap.Error(err))
		return
	}
	select {
	case c.snapshot <- states:
	case <-c.stop:
	}
}

func (c *Cache) fetchStates() ([]restState, error) {
	req, err := http.NewRequest(http.MethodGet, c.statesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var states []restState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	return states, nil
}

// applySnapshot inserts bootstrap entries. An entity already present
// was written by a live event that arrived during the fetch window and
// is newer than the snapshot, so it is left alone.
func (c *Cache) applySnapshot(states []restState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, st := range states {
		if st.EntityID == "" {
			continue
		}
		if _, exists := c.entities[st.EntityID]; exists {
			continue
		}
		c.entities[st.EntityID] = EntityState{
			State:       st.State,
			Attributes:  st.Attributes,
			LastChanged: st.LastChanged,
			LastUpdated: st.LastUpdated,
		}
		added++
	}

	c.logger.Info("State bootstrap complete",
		zap.Int("fetched", len(states)),
		zap.Int("added", added))
}

func (c *Cache) applyEvent(ev *event.Event) {
	if ev.Type != event.TypeStateChanged || ev.EntityID == "" || ev.NewState == nil {
		return
	}

	state, ok := ev.NewState.State.(string)
	if !ok {
		return
	}

	c.mu.Lock()
	c.entities[ev.EntityID] = EntityState{
		State:       state,
		Attributes:  ev.Attributes,
		LastChanged: ev.NewState.LastChanged,
		LastUpdated: ev.NewState.LastUpdated,
	}
	c.mu.Unlock()
}
