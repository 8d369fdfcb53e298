package mrtcp

// net.go holds the packet format and the node and network structures that
// carry packets between TCP endpoints.  A node either consumes a packet
// addressed to it (data to a receiver, ACK to a sender) or forwards it on the
// link its routing table names for the destination.  Forwarding takes no time.

import (
	"fmt"
)

// DefaultHeaderBytes is the size of the TCP/IP headers added to every segment
const DefaultHeaderBytes = 40

// Packet is a TCP segment, data or ACK.  Ownership passes from the sender to
// a link, possibly a queue, and on to the receiving endpoint
type Packet struct {
	ID     int     // unique within an experiment
	FlowID int     // flow the segment belongs to
	Src    int     // id of the originating node
	Dst    int     // id of the destination node
	Seq    int     // byte offset of the first payload byte
	Len    int     // payload bytes, zero for a pure ACK
	Hdr    int     // header bytes
	Ack    bool    // true for an acknowledgement
	AckNum int     // next byte expected, on ACKs
	Sent   float64 // time the segment left its sender
	Retx   bool    // segment carries data sent before
}

// WireLen is the number of bytes the packet occupies on a link
func (pckt *Packet) WireLen() int {
	return pckt.Len + pckt.Hdr
}

// End is the sequence number one past the last payload byte
func (pckt *Packet) End() int {
	return pckt.Seq + pckt.Len
}

func (pckt *Packet) String() string {
	if pckt.Ack {
		return fmt.Sprintf("ack flow %d id %d acknum %d", pckt.FlowID, pckt.ID, pckt.AckNum)
	}
	return fmt.Sprintf("data flow %d id %d seq %d len %d", pckt.FlowID, pckt.ID, pckt.Seq, pckt.Len)
}

// nodeStruct is a host or router.  Hosts have TCP endpoints attached, C in
// the standard topology only forwards
type nodeStruct struct {
	id        int
	name      string
	nextLink  map[int]*Link // destination node id -> egress link
	senders   map[int]*TcpConnection
	receivers map[int]*TcpReceiver
	net       *network
}

// createNode is a constructor
func createNode(id int, name string, net *network) *nodeStruct {
	node := new(nodeStruct)
	node.id = id
	node.name = name
	node.nextLink = make(map[int]*Link)
	node.senders = make(map[int]*TcpConnection)
	node.receivers = make(map[int]*TcpReceiver)
	node.net = net
	return node
}

// send hands the packet to the egress link toward its destination
func (node *nodeStruct) send(evtMgr *EventManager, pckt *Packet) {
	lnk, present := node.nextLink[pckt.Dst]
	if !present {
		panic(fmt.Errorf("mrtcp: node %s has no route to node %d", node.name, pckt.Dst))
	}
	lnk.enter(evtMgr, pckt)
}

// receive is called when the last bit of a packet reaches the node
func (node *nodeStruct) receive(evtMgr *EventManager, pckt *Packet) {
	if pckt.Dst != node.id {
		node.send(evtMgr, pckt)
		return
	}

	if pckt.Ack {
		conn, present := node.senders[pckt.FlowID]
		if !present {
			panic(fmt.Errorf("mrtcp: ack for flow %d arrived at %s, which has no sender for it",
				pckt.FlowID, node.name))
		}
		conn.receiveAck(evtMgr, pckt)
		return
	}

	rcvr, present := node.receivers[pckt.FlowID]
	if !present {
		panic(fmt.Errorf("mrtcp: data for flow %d arrived at %s, which has no receiver for it",
			pckt.FlowID, node.name))
	}
	rcvr.receive(evtMgr, pckt)
}

// network gathers the nodes and links of an experiment, hands out packet
// ids, and passes what happens to the registered sinks
type network struct {
	nodes      []*nodeStruct
	nodeByName map[string]int
	links      []*Link
	linkByName map[string]*Link
	nxtPcktID  int
	sinks      *sinkSet
	onComplete func(t float64, conn *TcpConnection)
	onTimeout  func(t float64, conn *TcpConnection)
}

// createNetwork is a constructor
func createNetwork(sinks *sinkSet) *network {
	net := new(network)
	net.nodes = make([]*nodeStruct, 0)
	net.nodeByName = make(map[string]int)
	net.links = make([]*Link, 0)
	net.linkByName = make(map[string]*Link)
	net.sinks = sinks
	return net
}

// addNode creates a node with the next free id
func (net *network) addNode(name string) *nodeStruct {
	if _, present := net.nodeByName[name]; present {
		panic(fmt.Errorf("mrtcp: duplicated node name %s", name))
	}
	node := createNode(len(net.nodes), name, net)
	net.nodes = append(net.nodes, node)
	net.nodeByName[name] = node.id
	return node
}

// nodeNamed returns the node with the given name, or nil
func (net *network) nodeNamed(name string) *nodeStruct {
	id, present := net.nodeByName[name]
	if !present {
		return nil
	}
	return net.nodes[id]
}

// addLink creates the one-way link src -> dst
func (net *network) addLink(name string, src, dst *nodeStruct, bndwdth, latency float64) *Link {
	if _, present := net.linkByName[name]; present {
		panic(fmt.Errorf("mrtcp: duplicated link name %s", name))
	}
	lnk := createLink(len(net.links), name, src.id, dst.id, bndwdth, latency)
	lnk.state.far = dst
	lnk.state.net = net
	net.links = append(net.links, lnk)
	net.linkByName[name] = lnk
	return lnk
}

// nxtPacketID hands out packet ids in creation order
func (net *network) nxtPacketID() int {
	net.nxtPcktID += 1
	return net.nxtPcktID
}

// reportAdmission passes a queue's decision on a packet to the sinks
func (net *network) reportAdmission(now float64, pckt *Packet, lnk *Link, result Admission) {
	net.sinks.queueAdmission(now, pckt.ID, lnk.ID, result)
}

// reportQueue passes the current length and (for RED) average of a link's
// queue to the sinks
func (net *network) reportQueue(now float64, lnk *Link) {
	q := lnk.state.queue
	avg := float64(q.Occupancy())
	if red, ok := q.policy.(*RED); ok {
		avg = red.Average()
	}
	net.sinks.queueChanged(now, lnk.ID, q.Occupancy(), avg)
}

// reportCwnd passes a congestion window change to the sinks
func (net *network) reportCwnd(now float64, flowID int, oldCwnd, newCwnd int) {
	net.sinks.cwndChanged(now, flowID, oldCwnd, newCwnd)
}

// reportComplete tells the experiment a connection has finished
func (net *network) reportComplete(now float64, conn *TcpConnection) {
	if net.onComplete != nil {
		net.onComplete(now, conn)
	}
}

// reportTimeout tells the experiment a connection's timer expired
func (net *network) reportTimeout(now float64, conn *TcpConnection) {
	if net.onTimeout != nil {
		net.onTimeout(now, conn)
	}
}
