package mrtcp

// TcpReceiver is the receiving end of a flow.  It keeps no reordering
// buffer: a segment that does not start at (or before) the next expected byte
// is discarded, and every data segment draws an immediate ACK for the next
// expected byte.  Out-of-order arrivals therefore produce duplicate ACKs.
type TcpReceiver struct {
	FlowID       int
	node         *nodeStruct
	hdrBytes     int
	nextExpected int
	delivered    int
	acksSent     int
	dupAcksSent  int
	outOfOrder   int
	lastAck      int
}

// createTcpReceiver is a constructor
func createTcpReceiver(flowID int, node *nodeStruct, hdrBytes int) *TcpReceiver {
	rcvr := new(TcpReceiver)
	rcvr.FlowID = flowID
	rcvr.node = node
	rcvr.hdrBytes = hdrBytes
	return rcvr
}

// Delivered is the number of payload bytes delivered in order to the application
func (rcvr *TcpReceiver) Delivered() int {
	return rcvr.delivered
}

// NextExpected is the sequence number the receiver is waiting for
func (rcvr *TcpReceiver) NextExpected() int {
	return rcvr.nextExpected
}

// AcksSent is the number of ACKs sent, duplicates included
func (rcvr *TcpReceiver) AcksSent() int {
	return rcvr.acksSent
}

// DupAcksSent is the number of ACKs that repeated the previous one
func (rcvr *TcpReceiver) DupAcksSent() int {
	return rcvr.dupAcksSent
}

// receive takes a data segment and answers it
func (rcvr *TcpReceiver) receive(evtMgr *EventManager, pckt *Packet) {
	switch {
	case pckt.Seq <= rcvr.nextExpected && pckt.End() > rcvr.nextExpected:
		// in order, possibly overlapping what we hold already
		rcvr.delivered += pckt.End() - rcvr.nextExpected
		rcvr.nextExpected = pckt.End()
	case pckt.Seq > rcvr.nextExpected:
		rcvr.outOfOrder += 1
	}
	rcvr.sendAck(evtMgr, pckt)
}

// sendAck acknowledges everything up to nextExpected
func (rcvr *TcpReceiver) sendAck(evtMgr *EventManager, pckt *Packet) {
	if rcvr.acksSent > 0 && rcvr.nextExpected == rcvr.lastAck {
		rcvr.dupAcksSent += 1
	}
	rcvr.acksSent += 1
	rcvr.lastAck = rcvr.nextExpected

	ack := &Packet{ID: rcvr.node.net.nxtPacketID(), FlowID: rcvr.FlowID, Src: rcvr.node.id,
		Dst: pckt.Src, Hdr: rcvr.hdrBytes, Ack: true, AckNum: rcvr.nextExpected,
		Sent: evtMgr.CurrentSeconds()}
	rcvr.node.send(evtMgr, ack)
}
