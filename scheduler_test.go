package mrtcp

import (
	"errors"
	"math"
	"testing"
)

// firing records the order handlers ran in
type firing struct {
	label string
	at    float64
}

func recordFiring(log *[]firing) EventHandlerFunction {
	return func(evtMgr *EventManager, context any, data any) any {
		*log = append(*log, firing{label: data.(string), at: evtMgr.CurrentSeconds()})
		return nil
	}
}

func TestScheduleFiresInTimeOrder(t *testing.T) {
	evtMgr := CreateEventManager()
	var log []firing
	handler := recordFiring(&log)

	for _, ev := range []struct {
		label string
		delay float64
	}{{"c", 3.0}, {"a", 1.0}, {"d", 4.5}, {"b", 2.0}} {
		if _, err := evtMgr.Schedule(nil, ev.label, handler, ev.delay); err != nil {
			t.Fatalf("Schedule(%s): %v", ev.label, err)
		}
	}
	evtMgr.RunUntil(10.0)

	want := []string{"a", "b", "c", "d"}
	if len(log) != len(want) {
		t.Fatalf("fired %d events, want %d", len(log), len(want))
	}
	for idx, f := range log {
		if f.label != want[idx] {
			t.Fatalf("event %d = %s, want %s", idx, f.label, want[idx])
		}
		if idx > 0 && f.at < log[idx-1].at {
			t.Fatalf("event %s at %v fired before earlier event at %v", f.label, f.at, log[idx-1].at)
		}
	}
	if evtMgr.Fired() != 4 {
		t.Fatalf("Fired() = %d, want 4", evtMgr.Fired())
	}
}

func TestEqualTimesFireInScheduleOrder(t *testing.T) {
	evtMgr := CreateEventManager()
	var log []firing
	handler := recordFiring(&log)

	labels := []string{"first", "second", "third", "fourth"}
	for _, label := range labels {
		evtMgr.mustSchedule(nil, label, handler, 1.0)
	}
	// an event scheduled from inside a handler for "now" goes after the rest
	evtMgr.mustSchedule(nil, "zero", func(evtMgr *EventManager, context any, data any) any {
		evtMgr.mustSchedule(nil, "late", handler, 1.0)
		return nil
	}, 0.0)
	evtMgr.RunUntil(5.0)

	want := []string{"first", "second", "third", "fourth", "late"}
	for idx, label := range want {
		if log[idx].label != label {
			t.Fatalf("event %d = %s, want %s", idx, log[idx].label, label)
		}
	}
}

func TestScheduleRejectsNegativeDelay(t *testing.T) {
	evtMgr := CreateEventManager()
	noop := func(*EventManager, any, any) any { return nil }

	for _, delay := range []float64{-1e-9, -3.0, math.NaN()} {
		eh, err := evtMgr.Schedule(nil, nil, noop, delay)
		if !errors.Is(err, ErrNegativeDelay) {
			t.Fatalf("delay %v: err = %v, want ErrNegativeDelay", delay, err)
		}
		if eh.Valid() {
			t.Fatalf("delay %v: got a valid handle for a refused event", delay)
		}
	}
	if evtMgr.Pending() != 0 {
		t.Fatalf("Pending() = %d after refused schedules", evtMgr.Pending())
	}
}

func TestCancelRemovesPendingEvent(t *testing.T) {
	evtMgr := CreateEventManager()
	var log []firing
	handler := recordFiring(&log)

	keep := evtMgr.mustSchedule(nil, "keep", handler, 1.0)
	drop := evtMgr.mustSchedule(nil, "drop", handler, 2.0)
	if !evtMgr.IsPending(drop) {
		t.Fatalf("scheduled event not pending")
	}
	evtMgr.Cancel(drop)
	evtMgr.Cancel(drop) // second cancel is a no-op
	evtMgr.Cancel(EventHandle{})
	if evtMgr.IsPending(drop) {
		t.Fatalf("cancelled event still pending")
	}

	evtMgr.RunUntil(5.0)
	if len(log) != 1 || log[0].label != "keep" {
		t.Fatalf("fired %v, want only keep", log)
	}
	// cancelling an event that already fired does nothing
	evtMgr.Cancel(keep)
}

func TestRunUntilIsHardCutoff(t *testing.T) {
	evtMgr := CreateEventManager()
	var log []firing
	handler := recordFiring(&log)

	evtMgr.mustSchedule(nil, "in", handler, 2.0)
	evtMgr.mustSchedule(nil, "edge", handler, 3.0)
	evtMgr.mustSchedule(nil, "out", handler, 3.5)
	evtMgr.RunUntil(3.0)

	if len(log) != 2 || log[1].label != "edge" {
		t.Fatalf("fired %v, want in and edge", log)
	}
	if evtMgr.Pending() != 0 {
		t.Fatalf("Pending() = %d after RunUntil, want 0", evtMgr.Pending())
	}
	if evtMgr.CurrentSeconds() != 3.0 {
		t.Fatalf("clock = %v, want 3.0", evtMgr.CurrentSeconds())
	}
}

func TestRunUntilAdvancesClockWhenIdle(t *testing.T) {
	evtMgr := CreateEventManager()
	evtMgr.RunUntil(7.25)
	if evtMgr.CurrentSeconds() != 7.25 {
		t.Fatalf("clock = %v, want 7.25", evtMgr.CurrentSeconds())
	}
	if math.Abs(evtMgr.CurrentTime().Seconds()-7.25) > 1e-9 {
		t.Fatalf("CurrentTime() = %v seconds, want 7.25", evtMgr.CurrentTime().Seconds())
	}
}

func TestStopEndsRun(t *testing.T) {
	evtMgr := CreateEventManager()
	var log []firing
	handler := recordFiring(&log)

	evtMgr.mustSchedule(nil, "one", handler, 1.0)
	evtMgr.mustSchedule(nil, "stop", func(evtMgr *EventManager, context any, data any) any {
		evtMgr.Stop()
		return nil
	}, 1.5)
	evtMgr.mustSchedule(nil, "two", handler, 2.0)
	evtMgr.RunUntil(10.0)

	if len(log) != 1 {
		t.Fatalf("fired %v, want only the event before the stop", log)
	}
	if evtMgr.CurrentSeconds() != 1.5 {
		t.Fatalf("clock = %v, want 1.5", evtMgr.CurrentSeconds())
	}
}

func TestRoundFloat(t *testing.T) {
	if got := roundFloat(0.1+0.2, rdigits); got != 0.3 {
		t.Fatalf("roundFloat(0.1+0.2) = %v, want 0.3", got)
	}
}
