package mrtcp

// flow.go describes the application end of a flow: a bulk data source that
// always has data to give until it is stopped or has produced its quota, and
// the Flow that ties a source to a TCP connection and its receiver.

import (
	"math"
)

// BulkSource hands out data as fast as the connection can take it.  A
// MaxBytes of zero means there is no limit
type BulkSource struct {
	MaxBytes int
	produced int
	stopped  bool
}

// CreateBulkSource is a constructor
func CreateBulkSource(maxBytes int) *BulkSource {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &BulkSource{MaxBytes: maxBytes}
}

// Pull asks for up to n more bytes and returns how many the source gives
func (src *BulkSource) Pull(n int) int {
	if n <= 0 || src.stopped {
		return 0
	}
	if src.MaxBytes > 0 {
		n = min(n, src.MaxBytes-src.produced)
	}
	src.produced += n
	return n
}

// Exhausted is true once the source will give no more data
func (src *BulkSource) Exhausted() bool {
	return src.stopped || (src.MaxBytes > 0 && src.produced >= src.MaxBytes)
}

// Stop ends production.  Whatever was already handed out still gets sent
func (src *BulkSource) Stop() {
	src.stopped = true
}

// Produced is the number of bytes handed out so far
func (src *BulkSource) Produced() int {
	return src.produced
}

// Flow is one application data transfer between two hosts
type Flow struct {
	ID        int
	Name      string
	Src       int // node id of the sending host
	Dst       int // node id of the receiving host
	StartTime float64
	StopTime  float64 // +Inf when the source runs until it is exhausted
	Source    *BulkSource
	Conn      *TcpConnection
	Rcvr      *TcpReceiver
}

// createFlow is a constructor.  It builds the source, the sending connection
// at src and the receiver at dst, and attaches the endpoints to their nodes
func createFlow(id int, name string, src, dst *nodeStruct, startTime, stopTime float64,
	maxBytes int, params TcpParams) *Flow {

	flow := new(Flow)
	flow.ID = id
	flow.Name = name
	flow.Src = src.id
	flow.Dst = dst.id
	flow.StartTime = startTime
	flow.StopTime = stopTime
	flow.Source = CreateBulkSource(maxBytes)
	flow.Conn = createTcpConnection(id, src, dst.id, flow.Source, params)
	flow.Rcvr = createTcpReceiver(id, dst, params.HeaderBytes)

	src.senders[id] = flow.Conn
	dst.receivers[id] = flow.Rcvr
	return flow
}

// schedule puts the start and stop of the flow on the event list
func (flow *Flow) schedule(evtMgr *EventManager) {
	now := evtMgr.CurrentSeconds()
	evtMgr.mustSchedule(flow, nil, startFlow, math.Max(0.0, flow.StartTime-now))
	if !math.IsInf(flow.StopTime, 1) {
		evtMgr.mustSchedule(flow, nil, stopFlow, math.Max(0.0, flow.StopTime-now))
	}
}

// startFlow is the event handler that opens the flow's data transfer
func startFlow(evtMgr *EventManager, context any, data any) any {
	flow := context.(*Flow)
	flow.Conn.start(evtMgr)
	return nil
}

// stopFlow is the event handler that stops the flow's source.  The
// connection goes on until what was produced has been acknowledged
func stopFlow(evtMgr *EventManager, context any, data any) any {
	flow := context.(*Flow)
	flow.Source.Stop()
	flow.Conn.checkComplete(evtMgr)
	return nil
}
