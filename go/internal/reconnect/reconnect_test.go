package reconnect

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestDelayWindows(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 1000 * time.Millisecond, 1150 * time.Millisecond},
		{2, 2000 * time.Millisecond, 2300 * time.Millisecond},
		{4, 8000 * time.Millisecond, 9200 * time.Millisecond},
		{5, 10000 * time.Millisecond, 11500 * time.Millisecond},
		{10, 10000 * time.Millisecond, 11500 * time.Millisecond},
		{64, 10000 * time.Millisecond, 11500 * time.Millisecond},
	}
	for _, tt := range tests {
		low := Delay(cfg, tt.attempt, 0)
		high := Delay(cfg, tt.attempt, 0.999999)
		if low != tt.min {
			t.Errorf("attempt %d: expected minimum %v, got %v", tt.attempt, tt.min, low)
		}
		if high < tt.min || high >= tt.max {
			t.Errorf("attempt %d: jittered delay %v outside [%v, %v)", tt.attempt, high, tt.min, tt.max)
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock, chan struct{}) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	connects := make(chan struct{}, 16)
	m := New(DefaultConfig(), clock, func() { connects <- struct{}{} })
	m.SetRandom(func() float64 { return 0 })
	t.Cleanup(m.Close)
	return m, clock, connects
}

func expectConnect(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("connect was not called")
	}
}

func expectNoConnect(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected connect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduleFiresAfterDelay(t *testing.T) {
	m, clock, connects := newTestManager(t)

	delay, ok := m.ScheduleReconnection()
	if !ok || delay != time.Second {
		t.Fatalf("expected 1s delay, got %v %v", delay, ok)
	}
	if !m.Pending() {
		t.Error("expected a pending attempt")
	}

	clock.Advance(999 * time.Millisecond)
	expectNoConnect(t, connects)

	clock.Advance(time.Millisecond)
	expectConnect(t, connects)
	if m.Attempts() != 1 {
		t.Errorf("expected 1 attempt, got %d", m.Attempts())
	}
}

func TestScheduleReplacesPendingTimer(t *testing.T) {
	m, clock, connects := newTestManager(t)

	m.ScheduleReconnection()
	second, _ := m.ScheduleReconnection()
	if second != 2*time.Second {
		t.Fatalf("second attempt should back off to 2s, got %v", second)
	}

	clock.Advance(2 * time.Second)
	expectConnect(t, connects)
	expectNoConnect(t, connects)
}

func TestConnectionOpenResets(t *testing.T) {
	m, clock, connects := newTestManager(t)

	m.ScheduleReconnection()
	m.ScheduleReconnection()
	m.OnConnectionOpen()

	if m.Attempts() != 0 || m.Pending() {
		t.Errorf("expected reset state, attempts=%d pending=%v", m.Attempts(), m.Pending())
	}
	clock.Advance(time.Minute)
	expectNoConnect(t, connects)

	delay, _ := m.ScheduleReconnection()
	if delay != time.Second {
		t.Errorf("backoff should restart at 1s, got %v", delay)
	}
}

func TestExhaustion(t *testing.T) {
	m, _, _ := newTestManager(t)

	var statuses []Status
	m.OnStatus(func(s Status) { statuses = append(statuses, s) })
	var exhausted error
	m.OnExhausted(func(err error) { exhausted = err })

	for i := 0; i < DefaultConfig().MaxAttempts; i++ {
		if _, ok := m.ScheduleReconnection(); !ok {
			t.Fatalf("attempt %d should be scheduled", i+1)
		}
	}
	if _, ok := m.ScheduleReconnection(); ok {
		t.Fatal("attempt beyond the limit should not be scheduled")
	}
	if !errors.Is(exhausted, ErrReconnectExhausted) {
		t.Errorf("expected ErrReconnectExhausted, got %v", exhausted)
	}
	if m.Pending() {
		t.Error("no attempt should be pending after exhaustion")
	}

	last := statuses[len(statuses)-1]
	if last.Reconnecting || last.CurrentAttempt != 15 || last.MaxAttempts != 15 {
		t.Errorf("unexpected final status %+v", last)
	}
}

func TestCloseCancelsPending(t *testing.T) {
	m, clock, connects := newTestManager(t)

	m.ScheduleReconnection()
	m.Close()
	clock.Advance(time.Minute)
	expectNoConnect(t, connects)

	if _, ok := m.ScheduleReconnection(); ok {
		t.Error("closed manager should not schedule")
	}
}
