package mrtcp

// tcp-sender.go is the sending side of a TCP NewReno connection.  The
// congestion window is kept in bytes.  The sender learns of loss only through
// duplicate ACKs and through its retransmission timer.
//
//   slow start:           cwnd += MSS per ACK of new data, until cwnd >= ssthresh
//   congestion avoidance: cwnd += max(1, MSS*MSS/cwnd) per ACK of new data
//   third duplicate ACK:  ssthresh = max(cwnd/2, 2*MSS), cwnd = ssthresh + 3*MSS,
//                         retransmit the first unacknowledged segment, and stay in
//                         fast recovery until everything sent before the loss is acked
//   timer expiry:         ssthresh = max(cwnd/2, 2*MSS), cwnd = MSS, RTO doubles,
//                         resend everything from the first unacknowledged byte

import (
	"fmt"
	"math"
)

// TcpState is the congestion control phase of a connection
type TcpState int

const (
	SlowStart TcpState = iota
	CongestionAvoidance
	FastRecovery
)

var tcpStateToStr map[TcpState]string = map[TcpState]string{SlowStart: "slow-start",
	CongestionAvoidance: "congestion-avoidance", FastRecovery: "fast-recovery"}

func (ts TcpState) String() string {
	str, present := tcpStateToStr[ts]
	if !present {
		return fmt.Sprintf("tcpstate(%d)", int(ts))
	}
	return str
}

// TcpParams holds what every connection of an experiment shares
type TcpParams struct {
	MSS              int     `json:"mss" yaml:"mss"`                         // payload bytes per segment
	HeaderBytes      int     `json:"headerbytes" yaml:"headerbytes"`         // added to every segment on the wire
	InitialCwnd      int     `json:"initialcwnd" yaml:"initialcwnd"`         // in segments
	InitialSsthresh  int     `json:"initialssthresh" yaml:"initialssthresh"` // bytes, 0 for no limit
	DupAckThreshold  int     `json:"dupackthreshold" yaml:"dupackthreshold"`
	InitialRTO       float64 `json:"initialrto" yaml:"initialrto"` // seconds
	MinRTO           float64 `json:"minrto" yaml:"minrto"`
	MaxRTO           float64 `json:"maxrto" yaml:"maxrto"`
	ClockGranularity float64 `json:"clockgranularity" yaml:"clockgranularity"`
}

// DefaultTcpParams gives the parameters the standard experiment runs with
func DefaultTcpParams() TcpParams {
	return TcpParams{MSS: 1000, HeaderBytes: DefaultHeaderBytes, InitialCwnd: 1,
		InitialSsthresh: 0, DupAckThreshold: 3, InitialRTO: 1.0, MinRTO: 1.0, MaxRTO: 60.0,
		ClockGranularity: 0.001}
}

// sentSeg remembers when a segment was sent, for RTT sampling
type sentSeg struct {
	seq  int
	end  int
	sent float64
	retx bool
}

// TcpStats counts what a connection did
type TcpStats struct {
	SegmentsSent    int `json:"segmentssent" yaml:"segmentssent"`
	BytesSent       int `json:"bytessent" yaml:"bytessent"`
	Retransmits     int `json:"retransmits" yaml:"retransmits"`
	FastRetransmits int `json:"fastretransmits" yaml:"fastretransmits"`
	Timeouts        int `json:"timeouts" yaml:"timeouts"`
	RttSamples      int `json:"rttsamples" yaml:"rttsamples"`
}

// TcpConnection is the sending end of one flow
type TcpConnection struct {
	FlowID int
	node   *nodeStruct
	dst    int
	source *BulkSource
	params TcpParams

	state        TcpState
	cwnd         int // bytes
	ssthresh     int // bytes
	highestAcked int // first unacknowledged byte
	nextSeq      int // next byte to send
	highTxMark   int // one past the highest byte ever sent
	produced     int // bytes taken from the source
	dupAcks      int
	recover      int // highTxMark when the last recovery began

	rtxTimer EventHandle
	rtt      *rttEstimator
	history  []sentSeg

	started     bool
	complete    bool
	completedAt float64
	stats       TcpStats
}

// createTcpConnection is a constructor
func createTcpConnection(flowID int, node *nodeStruct, dst int, source *BulkSource,
	params TcpParams) *TcpConnection {

	if params.MSS <= 0 || params.InitialCwnd <= 0 || params.DupAckThreshold <= 0 {
		panic(fmt.Errorf("mrtcp: flow %d has invalid tcp parameters %+v", flowID, params))
	}
	conn := new(TcpConnection)
	conn.FlowID = flowID
	conn.node = node
	conn.dst = dst
	conn.source = source
	conn.params = params

	conn.state = SlowStart
	conn.cwnd = params.InitialCwnd * params.MSS
	conn.ssthresh = math.MaxInt
	if params.InitialSsthresh > 0 {
		conn.ssthresh = params.InitialSsthresh
	}
	conn.rtt = createRttEstimator(params.InitialRTO, params.MinRTO, params.MaxRTO, params.ClockGranularity)
	conn.history = make([]sentSeg, 0)
	return conn
}

// Cwnd is the congestion window in bytes
func (conn *TcpConnection) Cwnd() int {
	return conn.cwnd
}

// Ssthresh is the slow start threshold in bytes
func (conn *TcpConnection) Ssthresh() int {
	return conn.ssthresh
}

// State is the congestion control phase
func (conn *TcpConnection) State() TcpState {
	return conn.state
}

// HighestAcked is the first byte not yet acknowledged
func (conn *TcpConnection) HighestAcked() int {
	return conn.highestAcked
}

// InFlight is the number of bytes sent and not yet acknowledged
func (conn *TcpConnection) InFlight() int {
	return conn.nextSeq - conn.highestAcked
}

// Complete is true once the source is done and everything it produced is acked
func (conn *TcpConnection) Complete() bool {
	return conn.complete
}

// Stats returns the connection's counters
func (conn *TcpConnection) Stats() TcpStats {
	return conn.stats
}

// RTO is the timeout the retransmission timer is armed with
func (conn *TcpConnection) RTO() float64 {
	return conn.rtt.RTO()
}

// setCwnd changes the window and tells the sinks
func (conn *TcpConnection) setCwnd(evtMgr *EventManager, cwnd int) {
	if cwnd == conn.cwnd {
		return
	}
	old := conn.cwnd
	conn.cwnd = cwnd
	conn.node.net.reportCwnd(evtMgr.CurrentSeconds(), conn.FlowID, old, cwnd)
}

// lossSsthresh is the threshold set when a loss is detected
func (conn *TcpConnection) lossSsthresh() int {
	return max(conn.cwnd/2, 2*conn.params.MSS)
}

// start begins the transfer
func (conn *TcpConnection) start(evtMgr *EventManager) {
	if conn.started {
		return
	}
	conn.started = true
	conn.sendPending(evtMgr)
	conn.checkComplete(evtMgr)
}

// sendPending sends as many segments as the window allows.  A segment shorter
// than the MSS goes out only when the source has nothing more to give.
func (conn *TcpConnection) sendPending(evtMgr *EventManager) {
	if !conn.started || conn.complete {
		return
	}
	mss := conn.params.MSS
	for {
		buffered := conn.produced - conn.nextSeq
		if buffered < mss {
			conn.produced += conn.source.Pull(mss - buffered)
			buffered = conn.produced - conn.nextSeq
		}
		segLen := min(mss, buffered)
		if segLen <= 0 {
			break
		}
		if conn.cwnd-conn.InFlight() < segLen {
			break
		}
		conn.sendSegment(evtMgr, conn.nextSeq, segLen)
		conn.nextSeq += segLen
	}
	conn.armTimer(evtMgr, false)
}

// sendSegment creates a data packet and hands it to the node
func (conn *TcpConnection) sendSegment(evtMgr *EventManager, seq, segLen int) {
	now := evtMgr.CurrentSeconds()
	retx := seq < conn.highTxMark

	pckt := &Packet{ID: conn.node.net.nxtPacketID(), FlowID: conn.FlowID, Src: conn.node.id,
		Dst: conn.dst, Seq: seq, Len: segLen, Hdr: conn.params.HeaderBytes, Sent: now, Retx: retx}

	conn.stats.SegmentsSent += 1
	conn.stats.BytesSent += segLen
	if retx {
		conn.stats.Retransmits += 1
		conn.markRetransmitted(seq)
	} else {
		conn.history = append(conn.history, sentSeg{seq: seq, end: seq + segLen, sent: now})
	}
	if seq+segLen > conn.highTxMark {
		conn.highTxMark = seq + segLen
	}
	conn.node.send(evtMgr, pckt)
}

// markRetransmitted keeps segments that were sent more than once out of the
// RTT estimate
func (conn *TcpConnection) markRetransmitted(seq int) {
	for idx := range conn.history {
		if seq >= conn.history[idx].seq && seq < conn.history[idx].end {
			conn.history[idx].retx = true
			return
		}
	}
}

// retransmitHead resends the first unacknowledged segment without moving
// nextSeq
func (conn *TcpConnection) retransmitHead(evtMgr *EventManager) {
	segLen := min(conn.params.MSS, conn.highTxMark-conn.highestAcked)
	if segLen <= 0 {
		return
	}
	conn.sendSegment(evtMgr, conn.highestAcked, segLen)
}

// armTimer starts the retransmission timer when data is outstanding.  With
// restart an already running timer is replaced
func (conn *TcpConnection) armTimer(evtMgr *EventManager, restart bool) {
	if conn.highTxMark == conn.highestAcked {
		conn.cancelTimer(evtMgr)
		return
	}
	if evtMgr.IsPending(conn.rtxTimer) {
		if !restart {
			return
		}
		evtMgr.Cancel(conn.rtxTimer)
	}
	conn.rtxTimer = evtMgr.mustSchedule(conn, nil, rtoExpired, conn.rtt.RTO())
}

func (conn *TcpConnection) cancelTimer(evtMgr *EventManager) {
	evtMgr.Cancel(conn.rtxTimer)
	conn.rtxTimer = EventHandle{}
}

// sampleRTT takes a round trip measurement from the oldest segment the ACK
// covers, unless that segment was retransmitted, and forgets every covered
// segment
func (conn *TcpConnection) sampleRTT(now float64, ackNum int) {
	covered := 0
	for covered < len(conn.history) && conn.history[covered].end <= ackNum {
		covered += 1
	}
	if covered == 0 {
		return
	}
	if !conn.history[0].retx {
		conn.rtt.sample(now - conn.history[0].sent)
		conn.stats.RttSamples += 1
	}
	conn.history = conn.history[covered:]
}

// receiveAck processes an acknowledgement arriving at the sender
func (conn *TcpConnection) receiveAck(evtMgr *EventManager, pckt *Packet) {
	if !conn.started || conn.complete {
		return
	}
	ackNum := pckt.AckNum
	switch {
	case ackNum > conn.highestAcked:
		conn.newAck(evtMgr, ackNum)
	case ackNum == conn.highestAcked && conn.highTxMark > conn.highestAcked:
		conn.dupAck(evtMgr)
	default:
		// stale, or nothing outstanding
		return
	}
	conn.checkComplete(evtMgr)
}

// newAck handles an ACK that advances highestAcked
func (conn *TcpConnection) newAck(evtMgr *EventManager, ackNum int) {
	now := evtMgr.CurrentSeconds()
	mss := conn.params.MSS
	newlyAcked := ackNum - conn.highestAcked

	conn.sampleRTT(now, ackNum)
	conn.rtt.resetBackoff()
	conn.highestAcked = ackNum
	if conn.nextSeq < ackNum {
		// after a go-back-N resend the receiver may already hold what we were about to resend
		conn.nextSeq = ackNum
	}

	switch conn.state {
	case FastRecovery:
		if ackNum >= conn.recover {
			// full acknowledgement, recovery is over
			conn.dupAcks = 0
			conn.state = CongestionAvoidance
			conn.setCwnd(evtMgr, conn.ssthresh)
		} else {
			// partial acknowledgement: the next hole is lost too
			conn.retransmitHead(evtMgr)
			cwnd := conn.cwnd - newlyAcked
			if newlyAcked >= mss {
				cwnd += mss
			}
			conn.setCwnd(evtMgr, max(cwnd, mss))
			conn.armTimer(evtMgr, true)
			conn.sendPending(evtMgr)
			return
		}
	case SlowStart:
		conn.dupAcks = 0
		conn.setCwnd(evtMgr, conn.cwnd+mss)
		if conn.cwnd >= conn.ssthresh {
			conn.state = CongestionAvoidance
		}
	case CongestionAvoidance:
		conn.dupAcks = 0
		conn.setCwnd(evtMgr, conn.cwnd+max(1, mss*mss/conn.cwnd))
	}

	conn.armTimer(evtMgr, true)
	conn.sendPending(evtMgr)
}

// dupAck handles an ACK that repeats highestAcked while data is outstanding
func (conn *TcpConnection) dupAck(evtMgr *EventManager) {
	mss := conn.params.MSS
	conn.dupAcks += 1

	if conn.state == FastRecovery {
		// each duplicate means another segment has left the network
		conn.setCwnd(evtMgr, conn.cwnd+mss)
		conn.sendPending(evtMgr)
		return
	}

	if conn.dupAcks != conn.params.DupAckThreshold {
		return
	}
	if conn.highestAcked < conn.recover {
		// duplicates of segments sent before the last recovery or timeout
		return
	}

	conn.ssthresh = conn.lossSsthresh()
	conn.recover = conn.highTxMark
	conn.state = FastRecovery
	conn.stats.FastRetransmits += 1
	conn.retransmitHead(evtMgr)
	conn.setCwnd(evtMgr, conn.ssthresh+conn.params.DupAckThreshold*mss)
	conn.armTimer(evtMgr, true)
	conn.sendPending(evtMgr)
}

// rtoExpired is the event handler for the retransmission timer
func rtoExpired(evtMgr *EventManager, context any, data any) any {
	conn := context.(*TcpConnection)
	conn.rtxTimer = EventHandle{}
	if conn.complete || conn.highTxMark == conn.highestAcked {
		return nil
	}
	conn.timeout(evtMgr)
	return nil
}

// timeout collapses the window and resends from the first unacknowledged byte
func (conn *TcpConnection) timeout(evtMgr *EventManager) {
	conn.stats.Timeouts += 1
	conn.ssthresh = conn.lossSsthresh()
	conn.state = SlowStart
	conn.dupAcks = 0
	conn.recover = conn.highTxMark
	conn.rtt.backoff()

	// every segment in flight will be sent again, none of them may be timed
	for idx := range conn.history {
		conn.history[idx].retx = true
	}
	conn.nextSeq = conn.highestAcked
	conn.setCwnd(evtMgr, conn.params.MSS)
	conn.node.net.reportTimeout(evtMgr.CurrentSeconds(), conn)
	conn.sendPending(evtMgr)
}

// checkComplete notices when the source is done and all of its data acknowledged
func (conn *TcpConnection) checkComplete(evtMgr *EventManager) {
	if conn.complete || !conn.started || !conn.source.Exhausted() {
		return
	}
	if conn.highestAcked < conn.produced {
		return
	}
	conn.complete = true
	conn.completedAt = evtMgr.CurrentSeconds()
	conn.cancelTimer(evtMgr)
	conn.node.net.reportComplete(conn.completedAt, conn)
}
