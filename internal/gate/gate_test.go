package gate

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestGate(timeout time.Duration) (*Gate, *clock.Mock, *atomic.Int32) {
	mock := clock.NewMock()
	var locks atomic.Int32
	g := New(mock, timeout, func() { locks.Add(1) })
	return g, mock, &locks
}

func TestLocksExactlyAtTimeout(t *testing.T) {
	g, mock, locks := newTestGate(time.Minute)
	g.Start()

	mock.Add(59 * time.Second)
	if g.State() != StateActive || locks.Load() != 0 {
		t.Fatal("gate must not lock before the timeout")
	}
	mock.Add(time.Second)
	if g.State() != StateLocked {
		t.Fatal("gate must lock at the timeout")
	}
	if locks.Load() != 1 {
		t.Fatalf("lock callback fired %d times, want 1", locks.Load())
	}
}

func TestActivityPushesDeadline(t *testing.T) {
	g, mock, locks := newTestGate(time.Minute)
	g.Start()

	mock.Add(45 * time.Second)
	g.Activity()
	mock.Add(45 * time.Second)
	if g.State() != StateActive {
		t.Fatal("activity must push the lock out by a full window")
	}
	mock.Add(15 * time.Second)
	if g.State() != StateLocked || locks.Load() != 1 {
		t.Fatal("gate must lock one timeout after the last activity")
	}
}

func TestManualLockIdempotent(t *testing.T) {
	g, _, locks := newTestGate(time.Minute)
	g.Start()

	g.Lock()
	g.Lock()
	if locks.Load() != 1 {
		t.Fatalf("lock callback fired %d times, want 1", locks.Load())
	}
}

func TestStopSuppressesTimer(t *testing.T) {
	g, mock, locks := newTestGate(time.Minute)
	g.Start()
	g.Stop()

	mock.Add(time.Hour)
	if locks.Load() != 0 {
		t.Fatal("no callback may fire after Stop")
	}
}

func TestUnlockRearmsTimer(t *testing.T) {
	g, mock, locks := newTestGate(time.Minute)
	g.Start()
	g.Lock()
	if locks.Load() != 1 {
		t.Fatal("manual lock must fire callback")
	}

	g.Unlock()
	if g.State() != StateActive {
		t.Fatal("unlock must return to Active")
	}
	mock.Add(time.Minute)
	if g.State() != StateLocked || locks.Load() != 2 {
		t.Fatal("timer must be re-armed after unlock")
	}
}

func TestHiddenWithinGraceDoesNotLock(t *testing.T) {
	g, mock, locks := newTestGate(5 * time.Minute)
	g.Start()

	g.Hidden()
	mock.Add(30 * time.Second)
	g.Visible()
	if g.State() != StateActive || locks.Load() != 0 {
		t.Fatal("30s hidden must not lock")
	}
}

func TestHiddenBeyondGraceLocks(t *testing.T) {
	g, mock, locks := newTestGate(5 * time.Minute)
	g.Start()

	g.Hidden()
	mock.Add(61 * time.Second)
	g.Visible()
	if g.State() != StateLocked {
		t.Fatal("61s hidden must lock on return to visible")
	}
	if locks.Load() != 1 {
		t.Fatalf("lock callback fired %d times, want 1", locks.Load())
	}
}

func TestAttemptsBackoff(t *testing.T) {
	var a Attempts

	for i := 1; i <= 2; i++ {
		if out := a.Fail(); out.Delay != 0 || out.Wipe {
			t.Fatalf("attempt %d should be free, got %+v", i, out)
		}
	}

	wantDelays := []time.Duration{
		30 * time.Second,  // 3rd
		60 * time.Second,  // 4th
		120 * time.Second, // 5th
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		1920 * time.Second, // 9th
	}
	for i, want := range wantDelays {
		out := a.Fail()
		if out.Wipe {
			t.Fatalf("attempt %d must not wipe", i+3)
		}
		if out.Delay != want {
			t.Fatalf("attempt %d: delay %v, want %v", i+3, out.Delay, want)
		}
	}

	if out := a.Fail(); !out.Wipe {
		t.Fatal("10th failure must wipe")
	}
}

func TestAttemptsReset(t *testing.T) {
	var a Attempts
	for i := 0; i < 5; i++ {
		a.Fail()
	}
	a.Reset()
	if a.Count() != 0 {
		t.Fatal("reset must clear the counter")
	}
	if out := a.Fail(); out.Delay != 0 {
		t.Fatal("first failure after reset should be free")
	}
}
