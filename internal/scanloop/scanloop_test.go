package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_StopsWhenChannelClosed(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	var calls atomic.Int32

	go func() {
		Run(stopCh, time.Millisecond, 0, func() { calls.Add(1) })
		close(done)
	}()

	// Let it tick a few times, then stop.
	time.Sleep(20 * time.Millisecond)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop")
	}
	if calls.Load() == 0 {
		t.Error("fn was never called")
	}
}

func TestRun_ZeroIntervalDoesNotSpin(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	var calls atomic.Int32

	go func() {
		Run(stopCh, 0, -1, func() { calls.Add(1) })
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(stopCh)
	<-done

	// With the 1s floor applied, a 50ms window allows at most 0 calls.
	if calls.Load() > 1 {
		t.Errorf("fn called %d times; interval floor not applied", calls.Load())
	}
}
