package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTickNeverFiresBeforeWindowFills(t *testing.T) {
	h := New()
	for i := 0; i < WindowSize-1; i++ {
		require.False(t, h.Tick(100), "must not fire until a full window of samples has been observed")
	}
}

func TestTickFiresWhenRateRelaxes(t *testing.T) {
	h := New()
	for i := 0; i < WindowSize; i++ {
		h.Tick(100)
	}
	// Moving average is 100; a sharp drop should fire.
	require.True(t, h.Tick(10))
}

func TestTickNeverFiresOnZeroCount(t *testing.T) {
	h := New()
	for i := 0; i < WindowSize; i++ {
		h.Tick(100)
	}
	require.False(t, h.Tick(0), "avg > current > 0 requires a strictly positive current count")
}

func TestDescentSuppressesRepeatedFiring(t *testing.T) {
	h := New()
	for i := 0; i < WindowSize; i++ {
		h.Tick(100)
	}
	require.True(t, h.Tick(10))
	require.True(t, h.Descent())
	// Pressure stays low; descent state suppresses firing again even
	// though the average-vs-current relationship still holds.
	require.False(t, h.Tick(10))
}

func TestDescentClearsWhenPressureReturns(t *testing.T) {
	h := New()
	for i := 0; i < WindowSize; i++ {
		h.Tick(100)
	}
	require.True(t, h.Tick(10))
	require.True(t, h.Descent())

	// Allocation rate climbs back up: descent clears.
	h.Tick(200)
	require.False(t, h.Descent())
}

func TestRunFiresSweepOnManualClockTick(t *testing.T) {
	clock := make(ManualClock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A full window at 100 followed by a drop to 10 makes Tick fire.
	counts := make(chan int, WindowSize+1)
	for i := 0; i < WindowSize; i++ {
		counts <- 100
	}
	counts <- 10
	sample := func() int { return <-counts }
	swept := make(chan struct{}, 1)
	sweep := func(context.Context) { swept <- struct{}{} }

	done := make(chan struct{})
	go func() {
		Run(ctx, clock, sample, sweep)
		close(done)
	}()

	for i := 0; i < WindowSize+1; i++ {
		clock <- time.Time{}
	}
	<-swept // blocks until Run has called sweep for the relaxed tick

	cancel()
	<-done
}
