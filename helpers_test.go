package mrtcp

import (
	"math"
	"testing"
)

// cwndRecord, admRecord and queueRecord capture what sinks are told

type cwndRecord struct {
	t        float64
	flowID   int
	old, new int
}

type admRecord struct {
	t      float64
	pcktID int
	linkID int
	result Admission
}

type queueRecord struct {
	t      float64
	linkID int
	length int
	avg    float64
}

// recorder is a sink implementing all three interfaces
type recorder struct {
	cwnd  []cwndRecord
	adm   []admRecord
	queue []queueRecord
}

func (rec *recorder) CwndChanged(t float64, flowID int, oldCwnd, newCwnd int) {
	rec.cwnd = append(rec.cwnd, cwndRecord{t: t, flowID: flowID, old: oldCwnd, new: newCwnd})
}

func (rec *recorder) QueueAdmission(t float64, pcktID int, linkID int, result Admission) {
	rec.adm = append(rec.adm, admRecord{t: t, pcktID: pcktID, linkID: linkID, result: result})
}

func (rec *recorder) QueueChanged(t float64, linkID int, length int, avg float64) {
	rec.queue = append(rec.queue, queueRecord{t: t, linkID: linkID, length: length, avg: avg})
}

// countAdm counts the admission records with the given result
func (rec *recorder) countAdm(result Admission) int {
	n := 0
	for _, r := range rec.adm {
		if r.result == result {
			n += 1
		}
	}
	return n
}

// fixedU01 returns the same value on every draw
type fixedU01 float64

func (f fixedU01) RandU01() float64 { return float64(f) }

// pair is a two-node network S <-> R with one flow from S to R, built
// without an Experiment so tests can drive the endpoints by hand
type pair struct {
	net    *network
	rec    *recorder
	evtMgr *EventManager
	s, r   *nodeStruct
	sr, rs *Link
	flow   *Flow
}

func buildPair(t *testing.T, bndwdth, latency float64, maxBytes int, params TcpParams) *pair {
	t.Helper()
	p := new(pair)
	p.rec = new(recorder)
	sinks := createSinkSet()
	sinks.register(p.rec)
	p.net = createNetwork(sinks)
	p.s = p.net.addNode("S")
	p.r = p.net.addNode("R")
	p.sr = p.net.addLink("S->R", p.s, p.r, bndwdth, latency)
	p.rs = p.net.addLink("R->S", p.r, p.s, bndwdth, latency)
	if err := p.net.buildRoutes([][2]int{{p.s.id, p.r.id}}); err != nil {
		t.Fatalf("buildRoutes: %v", err)
	}
	p.flow = createFlow(1, "f", p.s, p.r, 0.0, math.Inf(1), maxBytes, params)
	p.evtMgr = CreateEventManager()
	return p
}

// ack hands the sender an acknowledgement for ackNum
func (p *pair) ack(ackNum int) {
	p.flow.Conn.receiveAck(p.evtMgr, &Packet{ID: p.net.nxtPacketID(), FlowID: p.flow.ID,
		Src: p.r.id, Dst: p.s.id, Ack: true, AckNum: ackNum, Hdr: DefaultHeaderBytes})
}

// dataPacket makes a data segment of flow 1 from S to R
func (p *pair) dataPacket(seq, length int) *Packet {
	return &Packet{ID: p.net.nxtPacketID(), FlowID: p.flow.ID, Src: p.s.id, Dst: p.r.id,
		Seq: seq, Len: length, Hdr: DefaultHeaderBytes}
}

// twoNodeTopo is a topology with one duplex link and one flow over it
func twoNodeTopo(bwMbps, delayMs float64) *TopoCfg {
	return &TopoCfg{
		Name:  "pair",
		Nodes: []string{"S", "R"},
		Links: []LinkDesc{{Name: "SR", A: "S", B: "R", BandwidthMbps: bwMbps, DelayMs: delayMs}},
		Flows: []FlowDesc{{Name: "f", Src: "S", Dst: "R"}},
	}
}
