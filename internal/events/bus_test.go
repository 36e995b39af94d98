package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var got []*Event
	unsub := bus.Subscribe(EventRequestBlocked, func(_ context.Context, e *Event) error {
		got = append(got, e)
		return nil
	})
	defer unsub()

	bus.Publish(context.Background(), &Event{Type: EventRequestBlocked, UserID: "u1"})
	bus.Publish(context.Background(), &Event{Type: EventRequestAllowed, UserID: "u1"})

	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	calls := 0
	unsub := bus.Subscribe(EventPenaltyApplied, func(_ context.Context, e *Event) error {
		calls++
		return nil
	})

	bus.Publish(context.Background(), &Event{Type: EventPenaltyApplied})
	unsub()
	bus.Publish(context.Background(), &Event{Type: EventPenaltyApplied})

	assert.Equal(t, 1, calls)
}

func TestHandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	second := false
	bus.Subscribe(EventAdmissionError, func(_ context.Context, e *Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(EventAdmissionError, func(_ context.Context, e *Event) error {
		second = true
		return nil
	})

	bus.Publish(context.Background(), &Event{Type: EventAdmissionError})
	assert.True(t, second)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewLocalBus()
	bus.Subscribe(EventRequestAllowed, func(_ context.Context, e *Event) error {
		t.Fatal("handler should not run after close")
		return nil
	})
	require.NoError(t, bus.Close())
	bus.Publish(context.Background(), &Event{Type: EventRequestAllowed})
}
