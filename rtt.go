package mrtcp

// rtt.go estimates round-trip time and the retransmission timeout the way
// RFC 6298 lays out.  Samples from retransmitted segments are never offered
// (Karn), the sender sees to that.

import (
	"math"
)

const (
	rttAlpha = 0.125
	rttBeta  = 0.25
)

// rttEstimator holds SRTT, RTTVAR and the current RTO, all in seconds
type rttEstimator struct {
	srtt        float64
	rttvar      float64
	rto         float64 // value the next timer is armed with, includes backoff
	minRTO      float64
	maxRTO      float64
	granularity float64
	samples     int
}

// createRttEstimator is a constructor.  Until the first sample arrives the RTO
// is initRTO
func createRttEstimator(initRTO, minRTO, maxRTO, granularity float64) *rttEstimator {
	rtt := new(rttEstimator)
	rtt.rto = math.Min(initRTO, maxRTO)
	rtt.minRTO = minRTO
	rtt.maxRTO = maxRTO
	rtt.granularity = granularity
	return rtt
}

// sample folds in a measured round trip and recomputes the RTO
func (rtt *rttEstimator) sample(m float64) {
	if m < 0 {
		return
	}
	if rtt.samples == 0 {
		rtt.srtt = m
		rtt.rttvar = m / 2.0
	} else {
		rtt.rttvar = (1.0-rttBeta)*rtt.rttvar + rttBeta*math.Abs(rtt.srtt-m)
		rtt.srtt = (1.0-rttAlpha)*rtt.srtt + rttAlpha*m
	}
	rtt.samples += 1
	rtt.rto = rtt.computed()
}

// computed is the RTO the estimator gives with no backoff applied
func (rtt *rttEstimator) computed() float64 {
	rto := rtt.srtt + math.Max(rtt.granularity, 4.0*rtt.rttvar)
	rto = math.Max(rto, rtt.minRTO)
	return math.Min(rto, rtt.maxRTO)
}

// backoff doubles the RTO after an expiry, up to the cap
func (rtt *rttEstimator) backoff() {
	rtt.rto = math.Min(2.0*rtt.rto, rtt.maxRTO)
}

// resetBackoff drops any backoff once new data is acknowledged.  Before the
// first sample there is nothing to return to, so the backed-off value stays
func (rtt *rttEstimator) resetBackoff() {
	if rtt.samples > 0 {
		rtt.rto = rtt.computed()
	}
}

// RTO is the timeout the next timer will be armed with
func (rtt *rttEstimator) RTO() float64 {
	return rtt.rto
}

// SRTT is the smoothed round trip time, zero before any sample
func (rtt *rttEstimator) SRTT() float64 {
	return rtt.srtt
}
