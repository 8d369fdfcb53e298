package mrtcp

import (
	"math"
	"testing"
)

func TestRttEstimatorFollowsRFC6298(t *testing.T) {
	rtt := createRttEstimator(1.0, 0.2, 60.0, 0.001)
	if rtt.RTO() != 1.0 {
		t.Fatalf("RTO before any sample = %v, want 1", rtt.RTO())
	}

	rtt.sample(0.1)
	// srtt 0.1, rttvar 0.05, rto 0.1 + 4*0.05
	if math.Abs(rtt.SRTT()-0.1) > 1e-12 || math.Abs(rtt.RTO()-0.3) > 1e-12 {
		t.Fatalf("after first sample srtt %v rto %v, want 0.1 and 0.3", rtt.SRTT(), rtt.RTO())
	}

	rtt.sample(0.3)
	wantVar := 0.75*0.05 + 0.25*0.2
	wantSrtt := 0.875*0.1 + 0.125*0.3
	if math.Abs(rtt.SRTT()-wantSrtt) > 1e-12 {
		t.Fatalf("srtt = %v, want %v", rtt.SRTT(), wantSrtt)
	}
	if math.Abs(rtt.RTO()-(wantSrtt+4*wantVar)) > 1e-12 {
		t.Fatalf("rto = %v, want %v", rtt.RTO(), wantSrtt+4*wantVar)
	}
}

func TestRttEstimatorBounds(t *testing.T) {
	rtt := createRttEstimator(1.0, 1.0, 4.0, 0.001)
	rtt.sample(0.01)
	if rtt.RTO() != 1.0 {
		t.Fatalf("RTO = %v, want the 1 s floor", rtt.RTO())
	}

	for range 5 {
		rtt.backoff()
	}
	if rtt.RTO() != 4.0 {
		t.Fatalf("RTO after backoff = %v, want the 4 s cap", rtt.RTO())
	}
	rtt.resetBackoff()
	if rtt.RTO() != 1.0 {
		t.Fatalf("RTO after reset = %v, want 1", rtt.RTO())
	}

	// without a sample there is nothing to reset to
	fresh := createRttEstimator(1.0, 1.0, 60.0, 0.001)
	fresh.backoff()
	fresh.resetBackoff()
	if fresh.RTO() != 2.0 {
		t.Fatalf("RTO = %v, want the backed-off 2", fresh.RTO())
	}

	// negative measurements are ignored
	fresh.sample(-1)
	if fresh.samples != 0 {
		t.Fatalf("negative sample was counted")
	}
}
