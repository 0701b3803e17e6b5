package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePatterns(t *testing.T) {
	cases := []struct {
		pattern string
		matches []Type
		misses  []Type
	}{
		{"*", []Type{LoginSuccess, SessionCreated, RiskAssessed}, nil},
		{"auth.login_success", []Type{LoginSuccess}, []Type{LoginFailed, SessionCreated}},
		{"auth.*", []Type{LoginSuccess, LoginFailed, AccountLocked}, []Type{SessionCreated, AccessGranted}},
		{"session.*", []Type{SessionCreated, SessionRevoked}, []Type{LoginSuccess}},
	}

	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			bus := NewBus()
			var seen []Type
			require.NoError(t, bus.Subscribe(tc.pattern, func(_ context.Context, e Event) error {
				seen = append(seen, e.Type)
				return nil
			}))

			for _, typ := range append(append([]Type{}, tc.matches...), tc.misses...) {
				require.NoError(t, bus.Publish(context.Background(), Event{Type: typ}))
			}
			assert.Equal(t, tc.matches, seen)
		})
	}
}

func TestPublishOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	_ = bus.Subscribe("*", func(_ context.Context, e Event) error {
		order = append(order, e.ID)
		return nil
	})

	for _, id := range []string{"e1", "e2", "e3"} {
		_ = bus.Publish(context.Background(), Event{ID: id, Type: LoginSuccess})
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, order)
}

func TestHandlerPanicIsSwallowed(t *testing.T) {
	bus := NewBus()

	var delivered int
	_ = bus.Subscribe("*", func(context.Context, Event) error { panic("bad handler") })
	_ = bus.Subscribe("*", func(context.Context, Event) error {
		delivered++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: LoginSuccess}))
	assert.Equal(t, 1, delivered)
}

func TestSubscribeFromInsideHandler(t *testing.T) {
	bus := NewBus()

	var lateDeliveries int
	_ = bus.Subscribe("*", func(context.Context, Event) error {
		return bus.Subscribe("auth.*", func(context.Context, Event) error {
			lateDeliveries++
			return nil
		})
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: LoginSuccess}))
	// The late subscriber sees only subsequent events.
	assert.Equal(t, 0, lateDeliveries)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: LoginFailed}))
	assert.Equal(t, 1, lateDeliveries)
}

func TestReplay(t *testing.T) {
	bus := NewBus()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_ = bus.Publish(context.Background(), Event{
			ID:        string(rune('a' + i)),
			Type:      LoginSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	// The window is exclusive on both ends.
	replayed, err := bus.Replay(base, base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, "b", replayed[0].ID)
	assert.Equal(t, "c", replayed[1].ID)

	empty, err := bus.Replay(base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReplayBounded(t *testing.T) {
	bus := NewBus()
	bus.maxEvents = 3
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_ = bus.Publish(context.Background(), Event{
			ID:        string(rune('a' + i)),
			Type:      LoginSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	replayed, _ := bus.Replay(base.Add(-time.Hour), base.Add(time.Hour))
	require.Len(t, replayed, 3)
	assert.Equal(t, "c", replayed[0].ID)
}
