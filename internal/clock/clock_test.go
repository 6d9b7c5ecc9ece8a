package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAfterFunc(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := NewMock(start)

	fired := false
	m.AfterFunc(time.Minute, func() { fired = true })

	m.Advance(59 * time.Second)
	assert.False(t, fired)

	m.Advance(time.Second)
	assert.True(t, fired)
}

func TestMockStop(t *testing.T) {
	m := NewMock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	fired := false
	timer := m.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(2 * time.Minute)
	assert.False(t, fired)
}

func TestMockFiresInDeadlineOrder(t *testing.T) {
	m := NewMock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	var order []string
	m.AfterFunc(2*time.Minute, func() { order = append(order, "b") })
	m.AfterFunc(time.Minute, func() { order = append(order, "a") })
	m.AfterFunc(3*time.Minute, func() { order = append(order, "c") })

	m.Advance(5 * time.Minute)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMockSet(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := NewMock(start)

	fired := false
	m.AfterFunc(time.Hour, func() { fired = true })

	m.Set(start.Add(2 * time.Hour))
	assert.True(t, fired)
	assert.Equal(t, start.Add(2*time.Hour), m.Now())
}

func TestRealAfterFunc(t *testing.T) {
	c := NewReal()
	ch := make(chan struct{})
	c.AfterFunc(10*time.Millisecond, func() { close(ch) })

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
