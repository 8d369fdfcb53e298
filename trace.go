package mrtcp

// trace.go defines the instrumentation interfaces through which a running
// experiment reports what happens, and the TraceManager, a sink that keeps
// every report for writing to a file after the run.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// CwndSink is told of every change to a flow's congestion window (bytes)
type CwndSink interface {
	CwndChanged(t float64, flowID int, oldCwnd, newCwnd int)
}

// AdmissionSink is told of every decision a queue makes on an arriving packet
type AdmissionSink interface {
	QueueAdmission(t float64, pcktID int, linkID int, result Admission)
}

// QueueSink is told the length and average length of a queue after every
// change to it.  For a tail-drop queue the average is the length.
type QueueSink interface {
	QueueChanged(t float64, linkID int, length int, avg float64)
}

// sinkSet fans reports out to every registered sink.  Sinks are called
// synchronously, in registration order.
type sinkSet struct {
	cwnd  []CwndSink
	adm   []AdmissionSink
	queue []QueueSink
}

func createSinkSet() *sinkSet {
	return &sinkSet{cwnd: make([]CwndSink, 0), adm: make([]AdmissionSink, 0),
		queue: make([]QueueSink, 0)}
}

// register adds the sink to every list whose interface it satisfies, and
// returns how many that was
func (ss *sinkSet) register(sink any) int {
	matched := 0
	if cs, ok := sink.(CwndSink); ok {
		ss.cwnd = append(ss.cwnd, cs)
		matched += 1
	}
	if as, ok := sink.(AdmissionSink); ok {
		ss.adm = append(ss.adm, as)
		matched += 1
	}
	if qs, ok := sink.(QueueSink); ok {
		ss.queue = append(ss.queue, qs)
		matched += 1
	}
	return matched
}

func (ss *sinkSet) cwndChanged(t float64, flowID int, oldCwnd, newCwnd int) {
	for _, sink := range ss.cwnd {
		sink.CwndChanged(t, flowID, oldCwnd, newCwnd)
	}
}

func (ss *sinkSet) queueAdmission(t float64, pcktID int, linkID int, result Admission) {
	for _, sink := range ss.adm {
		sink.QueueAdmission(t, pcktID, linkID, result)
	}
}

func (ss *sinkSet) queueChanged(t float64, linkID int, length int, avg float64) {
	for _, sink := range ss.queue {
		sink.QueueChanged(t, linkID, length, avg)
	}
}

// NameType is an entry in the dictionary a trace carries, mapping the id
// numbers of flows and links to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceTime is a time stamp in seconds, with the vrtime ticks and priority
// fields alongside so traces line up with other iti tools
type TraceTime struct {
	Time     float64 `json:"time" yaml:"time"`
	Ticks    int64   `json:"ticks" yaml:"ticks"`
	Priority int64   `json:"priority" yaml:"priority"`
}

func traceTime(t float64) TraceTime {
	vrt := vrtime.SecondsToTime(t)
	return TraceTime{Time: t, Ticks: vrt.Ticks(), Priority: vrt.Pri()}
}

// CwndTrace records one congestion window change
type CwndTrace struct {
	TraceTime `yaml:",inline"`
	FlowID    int `json:"flowid" yaml:"flowid"`
	OldCwnd   int `json:"oldcwnd" yaml:"oldcwnd"`
	NewCwnd   int `json:"newcwnd" yaml:"newcwnd"`
}

// AdmissionTrace records one queue admission decision
type AdmissionTrace struct {
	TraceTime `yaml:",inline"`
	PcktID    int    `json:"pcktid" yaml:"pcktid"`
	LinkID    int    `json:"linkid" yaml:"linkid"`
	Result    string `json:"result" yaml:"result"`
}

// QueueTrace records the state of a queue after a change
type QueueTrace struct {
	TraceTime `yaml:",inline"`
	LinkID    int     `json:"linkid" yaml:"linkid"`
	Length    int     `json:"length" yaml:"length"`
	Avg       float64 `json:"avg" yaml:"avg"`
}

// TraceManager gathers information about an execution of an experiment.
// It satisfies CwndSink, AdmissionSink, and QueueSink
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each flow and link id
	NameByID map[string]NameType `json:"namebyid" yaml:"namebyid"`

	Cwnd       []CwndTrace      `json:"cwnd" yaml:"cwnd"`
	Admissions []AdmissionTrace `json:"admissions" yaml:"admissions"`
	Queue      []QueueTrace     `json:"queue" yaml:"queue"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  An inactive
// manager can stay registered and costs nothing but the calls
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[string]NameType)
	tm.Cwnd = make([]CwndTrace, 0)
	tm.Admissions = make([]AdmissionTrace, 0)
	tm.Queue = make([]QueueTrace, 0)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddName adds an element to the id -> (name,type) dictionary.  Flows and
// links have separate id spaces, so the key carries the type
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.InUse {
		return
	}
	key := fmt.Sprintf("%s-%d", objDesc, id)
	if _, present := tm.NameByID[key]; present {
		panic(fmt.Errorf("duplicated id %s in AddName", key))
	}
	tm.NameByID[key] = NameType{Name: name, Type: objDesc}
}

// CwndChanged implements CwndSink
func (tm *TraceManager) CwndChanged(t float64, flowID int, oldCwnd, newCwnd int) {
	if !tm.InUse {
		return
	}
	tm.Cwnd = append(tm.Cwnd, CwndTrace{TraceTime: traceTime(t), FlowID: flowID,
		OldCwnd: oldCwnd, NewCwnd: newCwnd})
}

// QueueAdmission implements AdmissionSink
func (tm *TraceManager) QueueAdmission(t float64, pcktID int, linkID int, result Admission) {
	if !tm.InUse {
		return
	}
	tm.Admissions = append(tm.Admissions, AdmissionTrace{TraceTime: traceTime(t), PcktID: pcktID,
		LinkID: linkID, Result: result.String()})
}

// QueueChanged implements QueueSink
func (tm *TraceManager) QueueChanged(t float64, linkID int, length int, avg float64) {
	if !tm.InUse {
		return
	}
	tm.Queue = append(tm.Queue, QueueTrace{TraceTime: traceTime(t), LinkID: linkID,
		Length: length, Avg: avg})
}

// WriteToFile stores the TraceManager to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// Nothing is written by an inactive manager.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}
	bytes, merr := marshalByExt(filename, tm)
	if merr != nil {
		return fmt.Errorf("trace %s: %w", filename, merr)
	}
	if werr := os.WriteFile(filename, bytes, 0o644); werr != nil {
		return fmt.Errorf("trace %s: %w", filename, werr)
	}
	return nil
}

// useYAMLExt reports whether the file name asks for yaml
func useYAMLExt(filename string) bool {
	pathExt := path.Ext(filename)
	return pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml"
}

// marshalByExt serializes to yaml or json as the file extension selects
func marshalByExt(filename string, obj any) ([]byte, error) {
	pathExt := path.Ext(filename)
	switch {
	case useYAMLExt(filename):
		return yaml.Marshal(obj)
	case pathExt == ".json" || pathExt == ".JSON":
		return json.MarshalIndent(obj, "", "\t")
	}
	return nil, fmt.Errorf("file extension %q is neither yaml nor json", pathExt)
}
