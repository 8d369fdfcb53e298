package mrtcp

// link.go models a one-way point-to-point channel.  A duplex connection
// between two nodes is a pair of Links.  The channel carries one packet at a
// time: a packet starts transmission once the previous one has left the
// interface, takes size/bandwidth seconds to serialize, and then propagation
// delay more seconds to reach the far end.

// Link holds the fixed parameters of a channel.  Nothing changes them after
// the network is built; the changing parts live in linkState
type Link struct {
	ID        int
	Name      string
	Src       int     // id of the node transmitting onto the link
	Dst       int     // id of the node at the far end
	Bandwidth float64 // bits per second
	Latency   float64 // propagation delay, seconds
	state     *linkState
}

// linkState is the channel occupancy of a link, and the buffer in front of it
// when the link is a bottleneck
type linkState struct {
	freeAt    float64     // time the channel can start on another packet
	busy      bool        // a packet from the queue is on the wire
	queue     *Queue      // nil means an unbounded buffer that never drops
	far       *nodeStruct // node the packets arrive at
	net       *network    // for reporting admissions and queue changes
	packets   int         // packets put on the wire
	bytesSent int         // bytes put on the wire (including headers)
}

// createLink is a constructor
func createLink(id int, name string, src, dst int, bndwdth, latency float64) *Link {
	lnk := new(Link)
	lnk.ID = id
	lnk.Name = name
	lnk.Src = src
	lnk.Dst = dst
	lnk.Bandwidth = bndwdth
	lnk.Latency = latency
	lnk.state = new(linkState)
	return lnk
}

// attachQueue places a finite buffer in front of the link's egress
func (lnk *Link) attachQueue(q *Queue) {
	q.linkID = lnk.ID
	lnk.state.queue = q
}

// Queue returns the egress buffer of a bottleneck link, nil otherwise
func (lnk *Link) Queue() *Queue {
	return lnk.state.queue
}

// TransmitTime is the time needed to serialize msgLen bytes onto the link
func (lnk *Link) TransmitTime(msgLen int) float64 {
	return float64(msgLen*8) / lnk.Bandwidth
}

// FreeAt is the time the channel will be ready for another packet
func (lnk *Link) FreeAt() float64 {
	return lnk.state.freeAt
}

// transmit puts the packet on the wire no earlier than departure (and no earlier
// than the end of the packet ahead of it), schedules its arrival at the far end,
// and returns the arrival time
func (lnk *Link) transmit(evtMgr *EventManager, pckt *Packet, departure float64) float64 {
	start := departure
	if lnk.state.freeAt > start {
		start = lnk.state.freeAt
	}
	done := roundFloat(start+lnk.TransmitTime(pckt.WireLen()), rdigits)
	lnk.state.freeAt = done
	arrival := done + lnk.Latency

	lnk.state.packets += 1
	lnk.state.bytesSent += pckt.WireLen()

	evtMgr.mustSchedule(lnk, pckt, arriveFarEnd, arrival-evtMgr.CurrentSeconds())
	return arrival
}

// enter is called when a node hands a packet to the link.  Without a queue the
// packet is serialized behind whatever is already on the channel.  With a queue
// the drop policy decides whether it is buffered, and the channel pulls from the
// buffer whenever it is idle.
func (lnk *Link) enter(evtMgr *EventManager, pckt *Packet) {
	now := evtMgr.CurrentSeconds()
	q := lnk.state.queue
	if q == nil {
		lnk.transmit(evtMgr, pckt, now)
		return
	}

	result := q.Enqueue(now, pckt)
	lnk.state.net.reportAdmission(now, pckt, lnk, result)
	if result != Transmitted {
		// the packet is gone; the sender finds out through the ACK stream
		return
	}
	lnk.state.net.reportQueue(now, lnk)

	if !lnk.state.busy {
		lnk.startNext(evtMgr)
	}
}

// startNext moves the head of the queue onto the wire and schedules the moment
// the channel frees up again
func (lnk *Link) startNext(evtMgr *EventManager) {
	now := evtMgr.CurrentSeconds()
	pckt := lnk.state.queue.Dequeue(now)
	if pckt == nil {
		lnk.state.busy = false
		return
	}
	lnk.state.net.reportQueue(now, lnk)
	lnk.state.busy = true
	lnk.transmit(evtMgr, pckt, now)
	evtMgr.mustSchedule(lnk, nil, channelFree, lnk.state.freeAt-now)
}

// channelFree is the event handler for the last bit of a queued packet leaving
// the interface
func channelFree(evtMgr *EventManager, context any, data any) any {
	lnk := context.(*Link)
	lnk.state.busy = false
	lnk.startNext(evtMgr)
	return nil
}

// arriveFarEnd is the event handler for a packet's last bit reaching the far
// end of the link
func arriveFarEnd(evtMgr *EventManager, context any, data any) any {
	lnk := context.(*Link)
	pckt := data.(*Packet)
	lnk.state.far.receive(evtMgr, pckt)
	return nil
}
