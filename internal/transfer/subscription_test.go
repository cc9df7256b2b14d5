package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_DeliversFirstSnapshot(t *testing.T) {
	sub := newSubscription()

	// The very first snapshot of an in-flight transfer must reach the
	// subscriber; the fresh subscription must not start out "complete".
	sub.emitProgress(Progress{Completed: 25, Total: 100})

	select {
	case ev := <-sub.events:
		assert.False(t, ev.Terminal)
		assert.InDelta(t, 0.25, ev.Progress.Fraction(), 1e-9)
	default:
		t.Fatal("first progress snapshot was not delivered")
	}
}

func TestSubscription_DropsBackwardsSnapshots(t *testing.T) {
	sub := newSubscription()

	sub.emitProgress(Progress{Completed: 50, Total: 100})
	sub.emitProgress(Progress{Completed: 25, Total: 100})
	sub.emitProgress(Progress{Completed: 75, Total: 100})

	require.True(t, sub.terminate(nil))

	var fractions []float64
	for ev := range sub.events {
		if ev.Terminal {
			break
		}
		fractions = append(fractions, ev.Progress.Fraction())
	}

	assert.Equal(t, []float64{0.5, 0.75}, fractions)
}

func TestSubscription_TerminateWithAbandonedSubscriber(t *testing.T) {
	sub := newSubscription()

	// Nobody drains the channel; fill it past capacity so the non-blocking
	// progress sends have packed the buffer solid.
	for i := int64(1); i <= eventBuffer+8; i++ {
		sub.emitProgress(Progress{Completed: i, Total: eventBuffer + 8})
	}

	done := make(chan bool, 1)
	go func() {
		done <- sub.terminate(ErrCancelled)
	}()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("terminate blocked on a full event buffer")
	}

	// The terminal event must still be drainable and must be the last event
	// on the channel.
	var terminal *Event
	for ev := range sub.events {
		if ev.Terminal {
			terminal = &ev
		} else {
			require.Nil(t, terminal, "progress after the terminal event")
		}
	}

	require.NotNil(t, terminal)
	assert.ErrorIs(t, terminal.Err, ErrCancelled)
}

func TestSubscription_TerminateOnce(t *testing.T) {
	sub := newSubscription()

	require.True(t, sub.terminate(nil))
	require.False(t, sub.terminate(ErrCancelled))
}
