package mrtcp

// queue.go holds the FIFO buffer in front of a bottleneck link and the
// tail-drop admission policy.  The RED policy is in red.go.

import (
	"fmt"
	"strings"
)

// Admission is the outcome of offering a packet to a queue
type Admission int

const (
	Transmitted Admission = iota // admitted, will be transmitted
	CapacityExceeded             // no room in the buffer
	REDProbabilistic             // RED early drop, decided by a random draw
	REDForced                    // RED drop because the average is above the max threshold
)

var admToStr map[Admission]string = map[Admission]string{
	Transmitted:      "transmitted",
	CapacityExceeded: "capacity_exceeded",
	REDProbabilistic: "red_probabilistic",
	REDForced:        "red_forced",
}

func (adm Admission) String() string {
	str, present := admToStr[adm]
	if !present {
		return fmt.Sprintf("admission(%d)", int(adm))
	}
	return str
}

// Dropped is true for every outcome other than Transmitted
func (adm Admission) Dropped() bool {
	return adm != Transmitted
}

// QueueMode selects whether capacity counts packets or bytes
type QueueMode int

const (
	PacketMode QueueMode = iota
	ByteMode
)

// queueModeFromStr maps the configuration string to a QueueMode
func queueModeFromStr(mode string) QueueMode {
	switch strings.ToLower(mode) {
	case "bytes", "byte", "b":
		return ByteMode
	default:
		return PacketMode
	}
}

// DropPolicy decides, before the capacity check, whether a packet arriving at
// the queue should be dropped.  dequeued is told of every dequeue attempt, with
// a nil packet when the channel found the queue empty, so a policy can track
// idle periods.
type DropPolicy interface {
	Name() string
	admit(q *Queue, now float64, pckt *Packet) Admission
	dequeued(q *Queue, now float64, pckt *Packet)
}

// Queue is a FIFO of packets waiting for the channel
type Queue struct {
	Mode     QueueMode
	Capacity int // packets or bytes, per Mode
	linkID   int
	pckts    []*Packet
	bytes    int
	policy   DropPolicy
	drops    map[Admission]int
	admitted int
}

// CreateQueue is a constructor.  The policy may be nil, meaning tail-drop.
func CreateQueue(mode QueueMode, capacity int, policy DropPolicy) *Queue {
	if capacity <= 0 {
		panic(fmt.Sprintf("mrtcp: queue capacity %d must be positive", capacity))
	}
	if policy == nil {
		policy = TailDrop{}
	}
	q := new(Queue)
	q.Mode = mode
	q.Capacity = capacity
	q.linkID = -1
	q.pckts = make([]*Packet, 0)
	q.policy = policy
	q.drops = make(map[Admission]int)
	return q
}

// Len is the number of packets in the queue
func (q *Queue) Len() int {
	return len(q.pckts)
}

// Bytes is the number of bytes in the queue, counting headers
func (q *Queue) Bytes() int {
	return q.bytes
}

// Occupancy is the queue content in the units of its capacity
func (q *Queue) Occupancy() int {
	if q.Mode == ByteMode {
		return q.bytes
	}
	return len(q.pckts)
}

// sizeOf is what the packet adds to Occupancy
func (q *Queue) sizeOf(pckt *Packet) int {
	if q.Mode == ByteMode {
		return pckt.WireLen()
	}
	return 1
}

// fits is true when the packet can join without exceeding capacity
func (q *Queue) fits(pckt *Packet) bool {
	return q.Occupancy()+q.sizeOf(pckt) <= q.Capacity
}

// Policy returns the drop policy in use
func (q *Queue) Policy() DropPolicy {
	return q.policy
}

// Enqueue offers the packet to the queue.  The policy gets the first say, and
// whatever it decides the hard capacity bound is applied afterwards.
func (q *Queue) Enqueue(now float64, pckt *Packet) Admission {
	result := q.policy.admit(q, now, pckt)
	if result == Transmitted && !q.fits(pckt) {
		result = CapacityExceeded
	}
	if result != Transmitted {
		q.drops[result] += 1
		return result
	}

	q.pckts = append(q.pckts, pckt)
	q.bytes += pckt.WireLen()
	q.admitted += 1
	if q.Occupancy() > q.Capacity {
		panic(&CapacityViolation{LinkID: q.linkID, Occupancy: q.Occupancy(), Capacity: q.Capacity})
	}
	return Transmitted
}

// Dequeue removes and returns the packet at the head, nil if empty
func (q *Queue) Dequeue(now float64) *Packet {
	if len(q.pckts) == 0 {
		q.policy.dequeued(q, now, nil)
		return nil
	}
	var pckt *Packet
	pckt, q.pckts = q.pckts[0], q.pckts[1:]
	q.bytes -= pckt.WireLen()
	q.policy.dequeued(q, now, pckt)
	return pckt
}

// Drops gives the number of packets dropped for the given reason
func (q *Queue) Drops(reason Admission) int {
	return q.drops[reason]
}

// Admitted gives the number of packets accepted into the queue
func (q *Queue) Admitted() int {
	return q.admitted
}

// TailDrop admits everything; the capacity bound in Enqueue does the dropping
type TailDrop struct{}

// Name implements DropPolicy
func (TailDrop) Name() string {
	return "tail-drop"
}

func (TailDrop) admit(q *Queue, now float64, pckt *Packet) Admission {
	return Transmitted
}

func (TailDrop) dequeued(q *Queue, now float64, pckt *Packet) {}
