package mrtcp

// scheduler.go holds the event manager that drives a simulation.  It keeps the
// virtual clock and the set of pending events, and fires them in time order.
// Events scheduled for the same time fire in the order they were scheduled,
// which is what makes two runs with the same inputs produce the same traces.

import (
	"container/heap"
	"errors"
	"math"

	"github.com/iti/evt/vrtime"
)

// ErrNegativeDelay is returned by Schedule when asked to schedule into the past
var ErrNegativeDelay = errors.New("mrtcp: event scheduled with negative delay")

// EventHandlerFunction is the signature of every event handler.  The context
// is the object the event is addressed to, data is whatever the scheduler
// of the event wants carried along
type EventHandlerFunction func(evtMgr *EventManager, context any, data any) any

// EventHandle identifies a scheduled event so that it can be cancelled
type EventHandle struct {
	id uint64
}

// Valid is false for the zero EventHandle
func (eh EventHandle) Valid() bool {
	return eh.id != 0
}

// event is one pending action
type event struct {
	due     float64 // virtual time (seconds) when the event fires
	seq     uint64  // insertion order, breaks ties among equal due times
	context any
	data    any
	handler EventHandlerFunction
	index   int // position in the heap, maintained by evtHeap
}

// evtHeap and its methods implement a min-priority heap ordered on
// (due, seq)
type evtHeap []*event

func (h evtHeap) Len() int { return len(h) }
func (h evtHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h evtHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *evtHeap) Push(x any) {
	evt := x.(*event)
	evt.index = len(*h)
	*h = append(*h, evt)
}

func (h *evtHeap) Pop() any {
	old := *h
	n := len(old)
	evt := old[n-1]
	old[n-1] = nil
	evt.index = -1
	*h = old[0 : n-1]
	return evt
}

// EventManager holds the virtual clock and the pending event set
type EventManager struct {
	now     float64
	lastDue float64 // due time of the most recently fired event
	nxtSeq  uint64
	queue   evtHeap
	pending map[uint64]*event
	fired   uint64
	stopped bool
}

// CreateEventManager is a constructor
func CreateEventManager() *EventManager {
	evtMgr := new(EventManager)
	evtMgr.queue = make(evtHeap, 0)
	evtMgr.pending = make(map[uint64]*event)
	heap.Init(&evtMgr.queue)
	return evtMgr
}

// Schedule arranges for handler to be called with (context, data) after delay
// seconds of virtual time.  A negative (or NaN) delay is refused.
func (evtMgr *EventManager) Schedule(context any, data any, handler EventHandlerFunction,
	delay float64) (EventHandle, error) {

	if delay < 0.0 || math.IsNaN(delay) {
		return EventHandle{}, ErrNegativeDelay
	}

	evtMgr.nxtSeq += 1
	evt := &event{
		due:     roundFloat(evtMgr.now+delay, rdigits),
		seq:     evtMgr.nxtSeq,
		context: context,
		data:    data,
		handler: handler,
	}
	heap.Push(&evtMgr.queue, evt)
	evtMgr.pending[evt.seq] = evt
	return EventHandle{id: evt.seq}, nil
}

// mustSchedule is Schedule for callers inside the core, where a negative delay
// can only come from a bug
func (evtMgr *EventManager) mustSchedule(context any, data any, handler EventHandlerFunction,
	delay float64) EventHandle {

	eh, err := evtMgr.Schedule(context, data, handler, delay)
	if err != nil {
		panic(err)
	}
	return eh
}

// Cancel removes a pending event.  Cancelling an event that already fired,
// was already cancelled, or never existed does nothing
func (evtMgr *EventManager) Cancel(eh EventHandle) {
	evt, present := evtMgr.pending[eh.id]
	if !present {
		return
	}
	delete(evtMgr.pending, eh.id)
	heap.Remove(&evtMgr.queue, evt.index)
}

// IsPending reports whether the event is still waiting to fire
func (evtMgr *EventManager) IsPending(eh EventHandle) bool {
	_, present := evtMgr.pending[eh.id]
	return present
}

// RunUntil fires events in time order until either there are none left or the
// next one is due after endTime.  Whatever is still pending at that point is
// discarded without being fired.
func (evtMgr *EventManager) RunUntil(endTime float64) {
	evtMgr.stopped = false

	for len(evtMgr.queue) > 0 && !evtMgr.stopped {
		if evtMgr.queue[0].due > endTime {
			break
		}
		evt := heap.Pop(&evtMgr.queue).(*event)
		delete(evtMgr.pending, evt.seq)

		if evt.due < evtMgr.lastDue {
			panic("mrtcp: event fired out of time order")
		}
		evtMgr.lastDue = evt.due
		evtMgr.now = evt.due
		evtMgr.fired += 1

		evt.handler(evtMgr, evt.context, evt.data)
	}

	// hard stop, nothing still pending survives
	if !evtMgr.stopped && evtMgr.now < endTime && !math.IsInf(endTime, 1) {
		evtMgr.now = endTime
	}
	evtMgr.queue = evtMgr.queue[:0]
	evtMgr.pending = make(map[uint64]*event)
}

// Stop ends a RunUntil in progress after the current handler returns
func (evtMgr *EventManager) Stop() {
	evtMgr.stopped = true
}

// CurrentSeconds gives the virtual time in seconds
func (evtMgr *EventManager) CurrentSeconds() float64 {
	return evtMgr.now
}

// CurrentTime gives the virtual time as a vrtime.Time
func (evtMgr *EventManager) CurrentTime() vrtime.Time {
	return vrtime.SecondsToTime(evtMgr.now)
}

// Pending is the number of events waiting to fire
func (evtMgr *EventManager) Pending() int {
	return len(evtMgr.queue)
}

// Fired is the number of events fired since the EventManager was created
func (evtMgr *EventManager) Fired() uint64 {
	return evtMgr.fired
}

// rdigits is the number of decimal digits (of seconds) kept in event times
var rdigits uint = 12

// roundFloat rounds computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
