package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

func Test_Bus_FanOut(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Test(t))
	first, cancelFirst := bus.Subscribe(4)
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()

	bus.Publish(Event{Kind: EntityPlan, EntityID: "p1", Step: -1, From: "draft", To: "validating"})

	for _, ch := range []<-chan Event{first, second} {
		e := <-ch
		assert.Equal(t, "p1", e.EntityID)
		assert.Equal(t, "validating", e.To)
		assert.False(t, e.Timestamp.IsZero())
	}

	cancelFirst()
	cancelFirst()
	_, open := <-first
	assert.False(t, open)

	bus.Publish(Event{EntityID: "p1", To: "deploying"})
	e := <-second
	assert.Equal(t, "deploying", e.To)
}

func Test_Bus_SlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Test(t))
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{EntityID: "a", To: "one"})
	bus.Publish(Event{EntityID: "a", To: "two"})

	e := <-ch
	assert.Equal(t, "one", e.To)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra)
	default:
	}
}

func Test_Bus_Close(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Test(t))
	ch, cancel := bus.Subscribe(0)
	bus.Close()
	cancel()

	_, open := <-ch
	require.False(t, open)

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)

	bus.Publish(Event{EntityID: "x"})
}

func Test_Event_Scope(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "token", Event{Kind: EntityPlan, NodeID: "token", Step: -1}.Scope())
	assert.Equal(t, "step-12", Event{Kind: EntityOperation, Step: 12}.Scope())
	assert.Equal(t, "step-0", Event{Kind: EntityOperation, Step: 0}.Scope())
	assert.Empty(t, Event{Kind: EntityOperation, Step: -1}.Scope())
}
