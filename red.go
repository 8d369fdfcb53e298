package mrtcp

// red.go implements Random Early Detection.  On every arrival the average queue
// length is moved toward the instantaneous length by an exponentially weighted
// moving average.  When the queue has been idle the average is first decayed as
// though m small packets had arrived to an empty queue, m being the number of
// packets the link could have sent during the idle period.  The average then
// selects among: accept, early drop with a probability that ramps with the
// average, and forced drop.

import (
	"math"
)

// REDParams configures a RED queue
type REDParams struct {
	MinTh       float64 `json:"minth" yaml:"minth"`             // min threshold, in queue units
	MaxTh       float64 `json:"maxth" yaml:"maxth"`             // max threshold, in queue units
	Weight      float64 `json:"weight" yaml:"weight"`           // EWMA factor (qW)
	Gentle      bool    `json:"gentle" yaml:"gentle"`           // ramp to 1 between MaxTh and 2*MaxTh
	MaxDropProb float64 `json:"maxdropprob" yaml:"maxdropprob"` // drop probability at MaxTh
	MeanPktSize int     `json:"meanpktsize" yaml:"meanpktsize"` // bytes, for idle decay and byte mode scaling
	Wait        bool    `json:"wait" yaml:"wait"`               // wait between drops when count*p is small
}

// RED is the DropPolicy implementing Random Early Detection
type RED struct {
	params REDParams
	rng    U01Source

	qAvg       float64 // average queue length
	count      int     // packets since the last early drop
	countBytes int     // bytes since the last early drop
	old        bool    // average was above MinTh at the previous arrival
	idle       bool    // queue is empty and the link idle
	idleTime   float64 // time the queue went idle
	ptc        float64 // packets per second the link can send, at MeanPktSize
	vProb      float64 // last computed drop probability

	// coefficients of the two linear ramps
	vA, vB, vC, vD float64
	curMaxP        float64

	// for the summary
	avgSum   float64
	avgCount int
}

// CreateRED is a constructor.  bndwdth is the bandwidth (bits/sec) of the
// link the queue feeds, used to convert idle time into packet times.
func CreateRED(params REDParams, bndwdth float64, rng U01Source) *RED {
	if !(params.MaxTh > params.MinTh) || params.MinTh < 0 || params.Weight <= 0 ||
		params.Weight > 1 || params.MaxDropProb < 0 || params.MaxDropProb > 1 ||
		params.MeanPktSize <= 0 || bndwdth <= 0 || rng == nil {
		panic("mrtcp: RED created with invalid parameters")
	}
	red := new(RED)
	red.params = params
	red.rng = rng
	red.curMaxP = params.MaxDropProb
	red.ptc = bndwdth / (8.0 * float64(params.MeanPktSize))

	red.vA = 1.0 / (params.MaxTh - params.MinTh)
	red.vB = -params.MinTh / (params.MaxTh - params.MinTh)
	red.vC = (1.0 - red.curMaxP) / params.MaxTh
	red.vD = 2.0*red.curMaxP - 1.0

	// a fresh queue counts as one that went idle at time zero
	red.idle = true
	red.idleTime = 0.0
	return red
}

// Name implements DropPolicy
func (red *RED) Name() string {
	return "red"
}

// Average is the current average queue length
func (red *RED) Average() float64 {
	return red.qAvg
}

// DropProb is the drop probability computed at the most recent early-drop test
func (red *RED) DropProb() float64 {
	return red.vProb
}

// MeanAverage is the mean of the average queue length over all arrivals
func (red *RED) MeanAverage() float64 {
	if red.avgCount == 0 {
		return 0.0
	}
	return red.avgSum / float64(red.avgCount)
}

// admit implements DropPolicy
func (red *RED) admit(q *Queue, now float64, pckt *Packet) Admission {
	nQueued := q.Occupancy()

	// number of packets the link could have sent while the queue sat empty
	m := 0
	if red.idle {
		m = int(red.ptc * (now - red.idleTime))
		if m < 0 {
			m = 0
		}
		red.idle = false
	}
	red.qAvg = estimateAvg(float64(nQueued), m+1, red.qAvg, red.params.Weight)
	red.avgSum += red.qAvg
	red.avgCount += 1

	red.count += 1
	red.countBytes += pckt.WireLen()

	result := Transmitted
	if red.qAvg >= red.params.MinTh && nQueued > 1 {
		if (!red.params.Gentle && red.qAvg >= red.params.MaxTh) ||
			(red.params.Gentle && red.qAvg >= 2*red.params.MaxTh) {
			result = REDForced
		} else if !red.old {
			// the average has just crossed MinTh from below, start counting afresh
			red.count = 1
			red.countBytes = pckt.WireLen()
			red.old = true
		} else if red.dropEarly(q, pckt) {
			result = REDProbabilistic
		}
	} else {
		red.vProb = 0.0
		red.old = false
	}

	if result == REDProbabilistic {
		red.count = 0
		red.countBytes = 0
	}
	return result
}

// dequeued implements DropPolicy.  The idle period starts when the channel
// asks for a packet and finds none.
func (red *RED) dequeued(q *Queue, now float64, pckt *Packet) {
	if pckt == nil {
		if !red.idle {
			red.idle = true
			red.idleTime = now
		}
		return
	}
	red.idle = false
}

// estimateAvg applies m steps of the EWMA, m-1 of them with an empty queue
func estimateAvg(nQueued float64, m int, qAvg, qW float64) float64 {
	newAve := qAvg * math.Pow(1.0-qW, float64(m))
	newAve += qW * nQueued
	return newAve
}

// dropEarly computes the drop probability and samples it
func (red *RED) dropEarly(q *Queue, pckt *Packet) bool {
	prob1 := red.calculatePNew()
	red.vProb = red.modifyP(prob1, q, pckt)

	u := red.rng.RandU01()
	return u <= red.vProb
}

// calculatePNew gives the base drop probability for the current average
func (red *RED) calculatePNew() float64 {
	var p float64
	if red.params.Gentle && red.qAvg >= red.params.MaxTh {
		// from curMaxP at MaxTh up to 1 at 2*MaxTh
		p = red.vC*red.qAvg + red.vD
	} else if !red.params.Gentle && red.qAvg >= red.params.MaxTh {
		p = 1.0
	} else {
		// from 0 at MinTh up to curMaxP at MaxTh
		p = red.vA*red.qAvg + red.vB
		p *= red.curMaxP
	}
	return clampProb(p)
}

// modifyP spreads drops out by raising the probability with the number of
// packets accepted since the last drop
func (red *RED) modifyP(p float64, q *Queue, pckt *Packet) float64 {
	count1 := float64(red.count)
	if q.Mode == ByteMode {
		count1 = float64(red.countBytes / red.params.MeanPktSize)
	}

	if red.params.Wait {
		if count1*p < 1.0 {
			p = 0.0
		} else if count1*p < 2.0 {
			p /= (2.0 - count1*p)
		} else {
			p = 1.0
		}
	} else {
		if count1*p < 1.0 {
			p /= (1.0 - count1*p)
		} else {
			p = 1.0
		}
	}

	if q.Mode == ByteMode && p < 1.0 {
		p = (p * float64(pckt.WireLen())) / float64(red.params.MeanPktSize)
	}
	return clampProb(p)
}

// clampProb keeps a probability inside [0,1]
func clampProb(p float64) float64 {
	if p < 0.0 {
		return 0.0
	}
	if p > 1.0 {
		return 1.0
	}
	return p
}
