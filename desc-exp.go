package mrtcp

// desc-exp.go holds the descriptions an experiment is built from: the
// experiment parameters, and the topology (nodes, duplex links, the queue on
// the bottleneck, and the flows).  Both can be written to and read from yaml
// or json files.  Validation happens here, before any simulation structure is
// built, and reports the first problem found as a *ConfigurationError.

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// policies names the drop policies a bottleneck queue may use
var policies []string = []string{"tail-drop", "red"}

// rngKinds names the random number generators RED may draw from
var rngKinds []string = []string{"pcg", "rngstream"}

// ExpParams holds everything needed to set up and run the standard experiment
type ExpParams struct {
	Name string `json:"name" yaml:"name"`

	// bandwidth of the access links A-C and B-C, and of the bottleneck C-D, in Mbps
	LinkBWMbps       float64 `json:"linkbw" yaml:"linkbw"`
	BottleneckBWMbps float64 `json:"cdlinkbw" yaml:"cdlinkbw"`

	// one-way propagation delays in milliseconds
	ACDelayMs float64 `json:"acdelay" yaml:"acdelay"`
	BCDelayMs float64 `json:"bcdelay" yaml:"bcdelay"`
	CDDelayMs float64 `json:"cddelay" yaml:"cddelay"`

	// bottleneck queue
	QueueSize int       `json:"queuesize" yaml:"queuesize"`
	QueueMode string    `json:"queuemode" yaml:"queuemode"` // "packets" or "bytes"
	Policy    string    `json:"policy" yaml:"policy"`       // "tail-drop" or "red"
	RED       REDParams `json:"red" yaml:"red"`

	// sources run from 0 to Runtime seconds, then the connections get
	// DrainSeconds more to deliver what was produced
	Runtime      float64 `json:"runtime" yaml:"runtime"`
	DrainSeconds float64 `json:"drain" yaml:"drain"`
	MaxBytes     int     `json:"maxbytes" yaml:"maxbytes"` // per flow, 0 for no limit

	TCP TcpParams `json:"tcp" yaml:"tcp"`

	Seed uint64 `json:"seed" yaml:"seed"`
	RNG  string `json:"rng" yaml:"rng"` // "pcg" or "rngstream"
}

// DefaultExpParams returns the parameters of the standard experiment
func DefaultExpParams() ExpParams {
	return ExpParams{
		Name:             "dumbbell",
		LinkBWMbps:       6.0,
		BottleneckBWMbps: 5.0,
		ACDelayMs:        10.0,
		BCDelayMs:        5.0,
		CDDelayMs:        10.0,
		QueueSize:        17,
		QueueMode:        "packets",
		Policy:           "tail-drop",
		RED: REDParams{MinTh: 2, MaxTh: 8, Weight: 0.002, Gentle: true, MaxDropProb: 0.02,
			MeanPktSize: 500, Wait: true},
		Runtime:      20.0,
		DrainSeconds: 60.0,
		MaxBytes:     0,
		TCP:          DefaultTcpParams(),
		Seed:         1,
		RNG:          "pcg",
	}
}

// Validate checks the parameters and returns the first problem found, nil if none
func (ep *ExpParams) Validate() error {
	for _, bw := range []struct {
		name string
		val  float64
	}{{"linkbw", ep.LinkBWMbps}, {"cdlinkbw", ep.BottleneckBWMbps}} {
		if !(bw.val > 0) || math.IsInf(bw.val, 1) {
			return configErr(bw.name, bw.val, "bandwidth must be positive and finite")
		}
	}
	for _, dly := range []struct {
		name string
		val  float64
	}{{"acdelay", ep.ACDelayMs}, {"bcdelay", ep.BCDelayMs}, {"cddelay", ep.CDDelayMs}} {
		if dly.val < 0 || math.IsNaN(dly.val) || math.IsInf(dly.val, 1) {
			return configErr(dly.name, dly.val, "delay must be non-negative and finite")
		}
	}
	if ep.QueueSize <= 0 {
		return configErr("queuesize", ep.QueueSize, "queue capacity must be positive")
	}
	mode := strings.ToLower(ep.QueueMode)
	if mode != "" && !slices.Contains([]string{"packets", "packet", "p", "bytes", "byte", "b"}, mode) {
		return configErr("queuemode", ep.QueueMode, "must be packets or bytes")
	}
	if !slices.Contains(policies, ep.Policy) {
		return configErr("policy", ep.Policy, fmt.Sprintf("must be one of %s", strings.Join(policies, ", ")))
	}
	if ep.Policy == "red" {
		if err := ep.RED.validate(float64(ep.QueueSize)); err != nil {
			return err
		}
	}
	if !(ep.Runtime > 0) || math.IsInf(ep.Runtime, 1) {
		return configErr("runtime", ep.Runtime, "must be positive and finite")
	}
	if ep.DrainSeconds < 0 || math.IsNaN(ep.DrainSeconds) || math.IsInf(ep.DrainSeconds, 1) {
		return configErr("drain", ep.DrainSeconds, "must be non-negative and finite")
	}
	if ep.MaxBytes < 0 {
		return configErr("maxbytes", ep.MaxBytes, "must be non-negative")
	}
	if err := ep.TCP.validate(); err != nil {
		return err
	}
	if ep.RNG != "" && !slices.Contains(rngKinds, ep.RNG) {
		return configErr("rng", ep.RNG, fmt.Sprintf("must be one of %s", strings.Join(rngKinds, ", ")))
	}
	return nil
}

// validate checks RED parameters against the capacity of the queue they run on
func (rp *REDParams) validate(capacity float64) error {
	if rp.MinTh < 0 {
		return configErr("red.minth", rp.MinTh, "must be non-negative")
	}
	if !(rp.MaxTh > rp.MinTh) {
		return configErr("red.maxth", rp.MaxTh, fmt.Sprintf("must exceed minth %v", rp.MinTh))
	}
	if rp.MaxTh > capacity {
		return configErr("red.maxth", rp.MaxTh, fmt.Sprintf("must not exceed queue capacity %v", capacity))
	}
	if !(rp.Weight > 0) || rp.Weight > 1 {
		return configErr("red.weight", rp.Weight, "must be in (0,1]")
	}
	if !(rp.MaxDropProb >= 0) || rp.MaxDropProb > 1 {
		return configErr("red.maxdropprob", rp.MaxDropProb, "must be in [0,1]")
	}
	if rp.MeanPktSize <= 0 {
		return configErr("red.meanpktsize", rp.MeanPktSize, "must be positive")
	}
	return nil
}

// validate checks the TCP parameters
func (tp *TcpParams) validate() error {
	switch {
	case tp.MSS <= 0:
		return configErr("tcp.mss", tp.MSS, "must be positive")
	case tp.HeaderBytes < 0:
		return configErr("tcp.headerbytes", tp.HeaderBytes, "must be non-negative")
	case tp.InitialCwnd <= 0:
		return configErr("tcp.initialcwnd", tp.InitialCwnd, "must be positive")
	case tp.InitialSsthresh < 0:
		return configErr("tcp.initialssthresh", tp.InitialSsthresh, "must be non-negative")
	case tp.DupAckThreshold <= 0:
		return configErr("tcp.dupackthreshold", tp.DupAckThreshold, "must be positive")
	case !(tp.MinRTO > 0):
		return configErr("tcp.minrto", tp.MinRTO, "must be positive")
	case tp.MaxRTO < tp.MinRTO:
		return configErr("tcp.maxrto", tp.MaxRTO, "must not be less than minrto")
	case !(tp.InitialRTO > 0):
		return configErr("tcp.initialrto", tp.InitialRTO, "must be positive")
	case tp.ClockGranularity < 0:
		return configErr("tcp.clockgranularity", tp.ClockGranularity, "must be non-negative")
	}
	return nil
}

// QueueDesc describes the finite buffer in front of a link
type QueueDesc struct {
	Mode     string    `json:"mode" yaml:"mode"`
	Capacity int       `json:"capacity" yaml:"capacity"`
	Policy   string    `json:"policy" yaml:"policy"`
	RED      REDParams `json:"red" yaml:"red"`
}

// LinkDesc describes a duplex connection between nodes A and B.  It becomes
// two one-way links; QueueAtA, when present, buffers the A->B direction
type LinkDesc struct {
	Name          string     `json:"name" yaml:"name"`
	A             string     `json:"a" yaml:"a"`
	B             string     `json:"b" yaml:"b"`
	BandwidthMbps float64    `json:"bandwidth" yaml:"bandwidth"`
	DelayMs       float64    `json:"delay" yaml:"delay"`
	QueueAtA      *QueueDesc `json:"queueata,omitempty" yaml:"queueata,omitempty"`
}

// FlowDesc describes a bulk transfer from Src to Dst
type FlowDesc struct {
	Name     string  `json:"name" yaml:"name"`
	Src      string  `json:"src" yaml:"src"`
	Dst      string  `json:"dst" yaml:"dst"`
	Start    float64 `json:"start" yaml:"start"`
	Stop     float64 `json:"stop" yaml:"stop"` // zero for no stop
	MaxBytes int     `json:"maxbytes" yaml:"maxbytes"`
}

// TopoCfg describes the network an experiment runs on
type TopoCfg struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []string   `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
	Flows []FlowDesc `json:"flows" yaml:"flows"`
}

// Topology builds the four-node network of the standard experiment:
// A and B feed router C over access links, C reaches D over the bottleneck,
// and flows sourceA and sourceB both send to D
func (ep *ExpParams) Topology() *TopoCfg {
	bottleneck := &QueueDesc{Mode: ep.QueueMode, Capacity: ep.QueueSize, Policy: ep.Policy, RED: ep.RED}
	return &TopoCfg{
		Name:  ep.Name,
		Nodes: []string{"A", "B", "C", "D"},
		Links: []LinkDesc{
			{Name: "AC", A: "A", B: "C", BandwidthMbps: ep.LinkBWMbps, DelayMs: ep.ACDelayMs},
			{Name: "BC", A: "B", B: "C", BandwidthMbps: ep.LinkBWMbps, DelayMs: ep.BCDelayMs},
			{Name: "CD", A: "C", B: "D", BandwidthMbps: ep.BottleneckBWMbps, DelayMs: ep.CDDelayMs,
				QueueAtA: bottleneck},
		},
		Flows: []FlowDesc{
			{Name: "sourceA", Src: "A", Dst: "D", Start: 0.0, Stop: ep.Runtime, MaxBytes: ep.MaxBytes},
			{Name: "sourceB", Src: "B", Dst: "D", Start: 0.0, Stop: ep.Runtime, MaxBytes: ep.MaxBytes},
		},
	}
}

// Validate checks that the topology refers only to nodes it declares and
// that every link and flow is usable
func (tc *TopoCfg) Validate() error {
	if len(tc.Nodes) == 0 {
		return configErr("nodes", len(tc.Nodes), "topology has no nodes")
	}
	seen := make(map[string]bool)
	for _, name := range tc.Nodes {
		if seen[name] {
			return configErr("nodes", name, "duplicated node name")
		}
		seen[name] = true
	}
	for _, ld := range tc.Links {
		if !seen[ld.A] || !seen[ld.B] {
			return configErr("links."+ld.Name, ld.A+"-"+ld.B, "link end is not a declared node")
		}
		if ld.A == ld.B {
			return configErr("links."+ld.Name, ld.A, "link joins a node to itself")
		}
		if !(ld.BandwidthMbps > 0) || math.IsInf(ld.BandwidthMbps, 1) {
			return configErr("links."+ld.Name+".bandwidth", ld.BandwidthMbps, "must be positive and finite")
		}
		if ld.DelayMs < 0 || math.IsNaN(ld.DelayMs) {
			return configErr("links."+ld.Name+".delay", ld.DelayMs, "must be non-negative")
		}
		if qd := ld.QueueAtA; qd != nil {
			if qd.Capacity <= 0 {
				return configErr("links."+ld.Name+".capacity", qd.Capacity, "must be positive")
			}
			if !slices.Contains(policies, qd.Policy) {
				return configErr("links."+ld.Name+".policy", qd.Policy,
					fmt.Sprintf("must be one of %s", strings.Join(policies, ", ")))
			}
			if qd.Policy == "red" {
				if err := qd.RED.validate(float64(qd.Capacity)); err != nil {
					return err
				}
			}
		}
	}
	for _, fd := range tc.Flows {
		if !seen[fd.Src] || !seen[fd.Dst] {
			return configErr("flows."+fd.Name, fd.Src+"->"+fd.Dst, "flow end is not a declared node")
		}
		if fd.Src == fd.Dst {
			return configErr("flows."+fd.Name, fd.Src, "flow source and destination are the same")
		}
		if fd.Start < 0 || (fd.Stop != 0 && fd.Stop < fd.Start) {
			return configErr("flows."+fd.Name, fmt.Sprintf("[%v,%v]", fd.Start, fd.Stop),
				"start must be non-negative and stop, if given, no earlier than start")
		}
		if fd.MaxBytes < 0 {
			return configErr("flows."+fd.Name+".maxbytes", fd.MaxBytes, "must be non-negative")
		}
	}
	return nil
}

// WriteToFile stores the ExpParams to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (ep *ExpParams) WriteToFile(filename string) error {
	return writeDesc(filename, ep)
}

// WriteToFile stores the TopoCfg to the file whose name is given, as yaml or
// json by the extension of the name
func (tc *TopoCfg) WriteToFile(filename string) error {
	return writeDesc(filename, tc)
}

func writeDesc(filename string, obj any) error {
	bytes, merr := marshalByExt(filename, obj)
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadExpParams deserializes a slice of bytes into an ExpParams.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.  Fields the
// input leaves out keep their DefaultExpParams values.
func ReadExpParams(filename string, useYAML bool, dict []byte) (*ExpParams, error) {
	example := DefaultExpParams()
	if err := readDesc(filename, useYAML, dict, &example); err != nil {
		return nil, err
	}
	return &example, nil
}

// ReadTopoCfg deserializes a slice of bytes into a TopoCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.
func ReadTopoCfg(filename string, useYAML bool, dict []byte) (*TopoCfg, error) {
	example := TopoCfg{}
	if err := readDesc(filename, useYAML, dict, &example); err != nil {
		return nil, err
	}
	return &example, nil
}

// UseYAML reports whether a description file should be read as yaml, judging by its name
func UseYAML(filename string) bool {
	return useYAMLExt(filename)
}

func readDesc(filename string, useYAML bool, dict []byte, obj any) error {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, serr := os.Stat(filename)
		if serr != nil || fileInfo.IsDir() {
			return fmt.Errorf("%s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path.Base(filename), err)
		}
	}

	if useYAML {
		err = yaml.Unmarshal(dict, obj)
	} else {
		err = json.Unmarshal(dict, obj)
	}
	if err != nil {
		return fmt.Errorf("decoding %s: %w", path.Base(filename), err)
	}
	return nil
}
