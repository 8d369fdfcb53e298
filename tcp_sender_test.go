package mrtcp

import (
	"context"
	"testing"
)

func runPairExperiment(t *testing.T, params ExpParams, bwMbps, delayMs float64) (*Experiment, *recorder) {
	t.Helper()
	exp, err := BuildExperiment(params, twoNodeTopo(bwMbps, delayMs), nil)
	if err != nil {
		t.Fatalf("BuildExperiment: %v", err)
	}
	rec := new(recorder)
	if err := exp.Register(rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := exp.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return exp, rec
}

func TestSlowStartDoublesPerRoundTrip(t *testing.T) {
	params := DefaultExpParams()
	params.Runtime = 0.35
	params.DrainSeconds = 0
	// round trip of about 100 ms: acks come back near 0.1, 0.2 and 0.3
	exp, rec := runPairExperiment(t, params, 100, 50)

	conn := exp.Flows()[0].Conn
	if conn.Cwnd() != 8000 {
		t.Fatalf("cwnd after three round trips = %d, want 8000", conn.Cwnd())
	}
	if conn.State() != SlowStart {
		t.Fatalf("state = %s, want slow-start", conn.State())
	}
	for _, r := range rec.cwnd {
		if r.new-r.old != 1000 {
			t.Fatalf("slow start changed cwnd from %d to %d", r.old, r.new)
		}
	}
	if conn.Stats().Retransmits != 0 || conn.Stats().Timeouts != 0 {
		t.Fatalf("loss-free path saw retransmissions: %+v", conn.Stats())
	}
}

func TestCongestionAvoidanceGrowsByAboutOneSegmentPerRTT(t *testing.T) {
	params := DefaultExpParams()
	params.Runtime = 1.05
	params.DrainSeconds = 0
	params.TCP.InitialSsthresh = 4000
	exp, rec := runPairExperiment(t, params, 100, 50)

	conn := exp.Flows()[0].Conn
	if conn.State() != CongestionAvoidance {
		t.Fatalf("state = %s, want congestion-avoidance", conn.State())
	}
	for _, r := range rec.cwnd {
		if r.old < 4000 {
			continue
		}
		if inc := r.new - r.old; inc <= 0 || inc > max(1, 1000*1000/r.old) {
			t.Fatalf("cwnd went from %d to %d in congestion avoidance", r.old, r.new)
		}
	}
	// about eight round trips in congestion avoidance
	if conn.Cwnd() <= 4000 || conn.Cwnd() > 4000+10*1000 {
		t.Fatalf("cwnd = %d, want a little over 4000", conn.Cwnd())
	}
}

// openWindow starts the pair's connection and acknowledges segments until the
// window is 10000 bytes with 10 segments outstanding
func openWindow(t *testing.T, p *pair) *TcpConnection {
	t.Helper()
	conn := p.flow.Conn
	conn.start(p.evtMgr)
	for ackNum := 1000; ackNum <= 9000; ackNum += 1000 {
		p.ack(ackNum)
	}
	if conn.Cwnd() != 10000 || conn.nextSeq != 19000 {
		t.Fatalf("cwnd %d nextSeq %d, want 10000 and 19000", conn.Cwnd(), conn.nextSeq)
	}
	return conn
}

func TestFastRetransmitAndRecovery(t *testing.T) {
	p := buildPair(t, 1e9, 0.05, 0, DefaultTcpParams())
	conn := openWindow(t, p)

	p.ack(9000)
	p.ack(9000)
	if conn.State() != SlowStart || conn.Stats().Retransmits != 0 {
		t.Fatalf("two duplicates started recovery")
	}
	p.ack(9000)
	if conn.State() != FastRecovery {
		t.Fatalf("state after third duplicate = %s, want fast-recovery", conn.State())
	}
	if conn.Ssthresh() != 5000 || conn.Cwnd() != 8000 {
		t.Fatalf("ssthresh %d cwnd %d, want 5000 and 8000", conn.Ssthresh(), conn.Cwnd())
	}
	if conn.Stats().Retransmits != 1 || conn.Stats().FastRetransmits != 1 {
		t.Fatalf("stats %+v, want one fast retransmission", conn.Stats())
	}

	// further duplicates inflate the window
	p.ack(9000)
	if conn.Cwnd() != 9000 {
		t.Fatalf("cwnd after fourth duplicate = %d, want 9000", conn.Cwnd())
	}

	// a partial ack resends the next hole and deflates by what it covered
	p.ack(12000)
	if conn.State() != FastRecovery || conn.Cwnd() != 7000 {
		t.Fatalf("after partial ack: %s cwnd %d, want fast-recovery and 7000", conn.State(), conn.Cwnd())
	}
	if conn.Stats().Retransmits != 2 {
		t.Fatalf("retransmits = %d after partial ack, want 2", conn.Stats().Retransmits)
	}

	// everything sent before the loss acknowledged: back to ssthresh
	p.ack(19000)
	if conn.State() != CongestionAvoidance || conn.Cwnd() != 5000 {
		t.Fatalf("after full ack: %s cwnd %d, want congestion-avoidance and 5000", conn.State(), conn.Cwnd())
	}
	if conn.InFlight() != 5000 {
		t.Fatalf("in flight %d after full ack, want 5000", conn.InFlight())
	}

	// an old ack changes nothing
	p.ack(15000)
	if conn.Cwnd() != 5000 || conn.HighestAcked() != 19000 {
		t.Fatalf("stale ack moved cwnd to %d, highest acked to %d", conn.Cwnd(), conn.HighestAcked())
	}
	last := p.rec.cwnd[len(p.rec.cwnd)-1]
	if last.flowID != 1 || last.new != 5000 {
		t.Fatalf("last cwnd report %+v, want flow 1 at 5000", last)
	}
}

func TestRetransmissionTimeout(t *testing.T) {
	// a 10 s round trip outlasts the 1 s initial timeout
	p := buildPair(t, 1e9, 5.0, 0, DefaultTcpParams())
	conn := p.flow.Conn
	conn.start(p.evtMgr)
	p.evtMgr.RunUntil(1.5)

	if conn.Stats().Timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", conn.Stats().Timeouts)
	}
	if conn.RTO() != 2.0 {
		t.Fatalf("RTO after expiry = %v, want 2", conn.RTO())
	}
	if conn.Ssthresh() != 2000 || conn.Cwnd() != 1000 || conn.State() != SlowStart {
		t.Fatalf("ssthresh %d cwnd %d state %s, want 2000, 1000, slow-start",
			conn.Ssthresh(), conn.Cwnd(), conn.State())
	}
	if conn.Stats().Retransmits != 1 {
		t.Fatalf("retransmits = %d, want 1", conn.Stats().Retransmits)
	}
	if !p.evtMgr.IsPending(conn.rtxTimer) {
		t.Fatalf("timer not rearmed after the resend")
	}
}

func TestTimerCancelledWhenAllAcked(t *testing.T) {
	p := buildPair(t, 1e9, 0.05, 1000, DefaultTcpParams())
	conn := p.flow.Conn
	conn.start(p.evtMgr)

	timer := conn.rtxTimer
	if !p.evtMgr.IsPending(timer) {
		t.Fatalf("no timer armed with data outstanding")
	}
	p.ack(1000)
	if p.evtMgr.IsPending(timer) {
		t.Fatalf("timer still pending with nothing outstanding")
	}
	if !conn.Complete() {
		t.Fatalf("connection not complete after its only segment was acked")
	}
}

func TestTcpStateStrings(t *testing.T) {
	for ts, want := range map[TcpState]string{SlowStart: "slow-start",
		CongestionAvoidance: "congestion-avoidance", FastRecovery: "fast-recovery",
		TcpState(7): "tcpstate(7)"} {
		if ts.String() != want {
			t.Fatalf("String() = %s, want %s", ts.String(), want)
		}
	}
}

func TestLossSsthreshHasTwoSegmentFloor(t *testing.T) {
	p := buildPair(t, 1e9, 0.05, 0, DefaultTcpParams())
	conn := p.flow.Conn
	conn.start(p.evtMgr)
	p.ack(1000)
	p.ack(2000)
	if conn.Cwnd() != 3000 {
		t.Fatalf("cwnd = %d, want 3000", conn.Cwnd())
	}

	for range 3 {
		p.ack(2000)
	}
	// half of 3000 is below two segments, so the floor applies
	if conn.Ssthresh() != 2000 {
		t.Fatalf("ssthresh after loss at cwnd 3000 = %d, want the 2000 floor", conn.Ssthresh())
	}
	if conn.Cwnd() != 5000 || conn.State() != FastRecovery {
		t.Fatalf("cwnd %d state %s, want 5000 and fast-recovery", conn.Cwnd(), conn.State())
	}
}
