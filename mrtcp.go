package mrtcp

// mrtcp.go holds the Experiment, the simulation context that owns the event
// manager, the network and its flows, and the registered sinks.  An Experiment
// is built from ExpParams and a TopoCfg, run once, and then summarized.

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/iti/mrtcp/internal/logging"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
)

// ErrAlreadyRun is returned by Run on an experiment that has run before
var ErrAlreadyRun = errors.New("mrtcp: experiment has already been run")

// Experiment is one simulation run
type Experiment struct {
	Name   string
	Params ExpParams
	Topo   *TopoCfg

	evtMgr      *EventManager
	net         *network
	flows       []*Flow
	bottlenecks []*Link
	sinks       *sinkSet
	qstats      *queueStats
	log         logging.Logger
	ctx         context.Context

	ran     bool
	endTime float64
}

// BuildExperiment validates the parameters and topology and builds the
// network, queues, and flows.  A nil topo means the standard four-node
// topology drawn from params.  A nil log discards log output
func BuildExperiment(params ExpParams, topo *TopoCfg, log logging.Logger) (*Experiment, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if topo == nil {
		topo = params.Topology()
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}

	exp := new(Experiment)
	exp.Name = params.Name
	exp.Params = params
	exp.Topo = topo
	exp.log = log.With(logging.String("experiment", params.Name))
	exp.ctx = context.Background()
	exp.evtMgr = CreateEventManager()
	exp.sinks = createSinkSet()
	exp.qstats = createQueueStats()
	exp.sinks.register(exp.qstats)

	exp.net = createNetwork(exp.sinks)
	exp.net.onComplete = exp.flowComplete
	exp.net.onTimeout = exp.flowTimeout

	for _, name := range topo.Nodes {
		exp.net.addNode(name)
	}

	for _, ld := range topo.Links {
		a := exp.net.nodeNamed(ld.A)
		b := exp.net.nodeNamed(ld.B)
		bndwdth := ld.BandwidthMbps * 1e6
		latency := ld.DelayMs / 1000.0

		fwd := exp.net.addLink(fmt.Sprintf("%s:%s->%s", ld.Name, ld.A, ld.B), a, b, bndwdth, latency)
		exp.net.addLink(fmt.Sprintf("%s:%s->%s", ld.Name, ld.B, ld.A), b, a, bndwdth, latency)

		if ld.QueueAtA != nil {
			fwd.attachQueue(exp.createQueue(ld.QueueAtA, fwd))
			exp.bottlenecks = append(exp.bottlenecks, fwd)
		}
	}

	pairs := make([][2]int, 0, len(topo.Flows))
	for _, fd := range topo.Flows {
		pairs = append(pairs, [2]int{exp.net.nodeByName[fd.Src], exp.net.nodeByName[fd.Dst]})
	}
	if err := exp.net.buildRoutes(pairs); err != nil {
		return nil, err
	}

	for idx, fd := range topo.Flows {
		stop := fd.Stop
		if stop == 0 {
			stop = math.Inf(1)
		}
		flow := createFlow(idx+1, fd.Name, exp.net.nodeNamed(fd.Src), exp.net.nodeNamed(fd.Dst),
			fd.Start, stop, fd.MaxBytes, params.TCP)
		exp.flows = append(exp.flows, flow)
	}

	exp.log.Info(exp.ctx, "experiment built", logging.Int("nodes", len(exp.net.nodes)),
		logging.Int("links", len(exp.net.links)), logging.Int("flows", len(exp.flows)),
		logging.String("routes", strings.Join(exp.net.routeNames(), "; ")))
	return exp, nil
}

// createQueue builds the buffer a QueueDesc describes for the link
func (exp *Experiment) createQueue(qd *QueueDesc, lnk *Link) *Queue {
	var policy DropPolicy
	if qd.Policy == "red" {
		rng := createU01Source(exp.Params.RNG, "red-"+lnk.Name, exp.Params.Seed)
		policy = CreateRED(qd.RED, lnk.Bandwidth, rng)
	}
	return CreateQueue(queueModeFromStr(qd.Mode), qd.Capacity, policy)
}

// Register adds a sink.  The sink must implement at least one of CwndSink,
// AdmissionSink, or QueueSink; it is called for every report of each kind it
// implements, synchronously and in registration order
func (exp *Experiment) Register(sink any) error {
	if exp.ran {
		return ErrAlreadyRun
	}
	if exp.sinks.register(sink) == 0 {
		return fmt.Errorf("mrtcp: %T implements none of the sink interfaces", sink)
	}
	return nil
}

// RegisterNames gives a trace manager the names of the flows and links
func (exp *Experiment) RegisterNames(tm *TraceManager) {
	for _, flow := range exp.flows {
		tm.AddName(flow.ID, flow.Name, "flow")
	}
	for _, lnk := range exp.net.links {
		tm.AddName(lnk.ID, lnk.Name, "link")
	}
}

// Flows returns the experiment's flows, in id order
func (exp *Experiment) Flows() []*Flow {
	return exp.flows
}

// Bottlenecks returns the links that have a queue in front of them
func (exp *Experiment) Bottlenecks() []*Link {
	return exp.bottlenecks
}

// EventManager gives access to the experiment's clock and event list
func (exp *Experiment) EventManager() *EventManager {
	return exp.evtMgr
}

// EndTime is the time at which Run cuts the simulation off: the latest flow
// stop (or the runtime) plus the drain margin
func (exp *Experiment) EndTime() float64 {
	end := exp.Params.Runtime
	for _, flow := range exp.flows {
		if !math.IsInf(flow.StopTime, 1) {
			end = math.Max(end, flow.StopTime)
		}
	}
	return end + exp.Params.DrainSeconds
}

// ctxCheckInterval is the virtual time between checks for cancellation
const ctxCheckInterval = 1.0

// Run starts the flows and simulates until EndTime.  Whatever is still
// pending then is discarded.  Cancelling ctx stops the run at the next check,
// and Run returns the summary so far along with the context's error
func (exp *Experiment) Run(ctx context.Context) (*Summary, error) {
	if exp.ran {
		return nil, ErrAlreadyRun
	}
	exp.ran = true
	if ctx == nil {
		ctx = context.Background()
	}
	exp.ctx = ctx

	for _, flow := range exp.flows {
		flow.schedule(exp.evtMgr)
	}
	if ctx.Done() != nil {
		exp.evtMgr.mustSchedule(exp, ctx, checkCtx, ctxCheckInterval)
	}

	exp.endTime = exp.EndTime()
	exp.log.Info(ctx, "run started", logging.Float("endtime", exp.endTime))
	exp.evtMgr.RunUntil(exp.endTime)
	exp.qstats.close(exp.evtMgr.CurrentSeconds())

	summary := exp.Summary()
	exp.log.Info(ctx, "run finished", logging.Float("time", exp.evtMgr.CurrentSeconds()),
		logging.Int("delivered", summary.TotalDelivered), logging.Any("drops", summary.Drops),
		logging.Any("events", exp.evtMgr.Fired()))
	return summary, ctx.Err()
}

// checkCtx is the event handler that stops the run once its context is done
func checkCtx(evtMgr *EventManager, context any, data any) any {
	exp := context.(*Experiment)
	if exp.ctx.Err() != nil {
		exp.log.Warn(exp.ctx, "run cancelled", logging.Float("time", evtMgr.CurrentSeconds()))
		evtMgr.Stop()
		return nil
	}
	evtMgr.mustSchedule(exp, data, checkCtx, ctxCheckInterval)
	return nil
}

// flowComplete is called when a connection has delivered everything its source produced
func (exp *Experiment) flowComplete(t float64, conn *TcpConnection) {
	exp.log.Info(exp.ctx, "flow complete", logging.Int("flow", conn.FlowID),
		logging.Float("time", t), logging.Int("bytes", conn.HighestAcked()))
}

// flowTimeout is called when a connection's retransmission timer expires
func (exp *Experiment) flowTimeout(t float64, conn *TcpConnection) {
	exp.log.Debug(exp.ctx, "retransmission timeout", logging.Int("flow", conn.FlowID),
		logging.Float("time", t), logging.Float("rto", conn.RTO()),
		logging.Int("highestacked", conn.HighestAcked()))
}

// FlowSummary reports how one flow fared
type FlowSummary struct {
	ID          int      `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	FinalCwnd   int      `json:"finalcwnd" yaml:"finalcwnd"`
	Ssthresh    int      `json:"ssthresh" yaml:"ssthresh"`
	State       string   `json:"state" yaml:"state"`
	Produced    int      `json:"produced" yaml:"produced"`
	Delivered   int      `json:"delivered" yaml:"delivered"`
	Complete    bool     `json:"complete" yaml:"complete"`
	CompletedAt float64  `json:"completedat" yaml:"completedat"`
	Stats       TcpStats `json:"stats" yaml:"stats"`
}

// QueueSummary reports how one bottleneck queue fared
type QueueSummary struct {
	LinkID   int            `json:"linkid" yaml:"linkid"`
	Link     string         `json:"link" yaml:"link"`
	Policy   string         `json:"policy" yaml:"policy"`
	Admitted int            `json:"admitted" yaml:"admitted"`
	Drops    map[string]int `json:"drops" yaml:"drops"`

	// time-weighted mean of the reported average length
	MeanAvg float64 `json:"meanavg" yaml:"meanavg"`

	// mean of the RED average taken at packet arrivals, zero for tail-drop
	MeanREDAvg float64 `json:"meanredavg" yaml:"meanredavg"`
}

// Summary is what an experiment reports at the end of its run
type Summary struct {
	Name           string         `json:"name" yaml:"name"`
	EndTime        float64        `json:"endtime" yaml:"endtime"`
	EventsFired    uint64         `json:"eventsfired" yaml:"eventsfired"`
	TotalDelivered int            `json:"totaldelivered" yaml:"totaldelivered"`
	Drops          map[string]int `json:"drops" yaml:"drops"`
	Flows          []FlowSummary  `json:"flows" yaml:"flows"`
	Queues         []QueueSummary `json:"queues" yaml:"queues"`
}

// Summary gathers the results of the run so far
func (exp *Experiment) Summary() *Summary {
	sum := &Summary{Name: exp.Name, EndTime: exp.evtMgr.CurrentSeconds(),
		EventsFired: exp.evtMgr.Fired(), Drops: make(map[string]int)}

	for _, flow := range exp.flows {
		conn := flow.Conn
		sum.Flows = append(sum.Flows, FlowSummary{ID: flow.ID, Name: flow.Name,
			FinalCwnd: conn.Cwnd(), Ssthresh: conn.Ssthresh(), State: conn.State().String(),
			Produced: flow.Source.Produced(), Delivered: flow.Rcvr.Delivered(),
			Complete: conn.Complete(), CompletedAt: conn.completedAt, Stats: conn.Stats()})
		sum.TotalDelivered += flow.Rcvr.Delivered()
	}

	for _, lnk := range exp.bottlenecks {
		q := lnk.Queue()
		qs := QueueSummary{LinkID: lnk.ID, Link: lnk.Name, Policy: q.Policy().Name(),
			Admitted: q.Admitted(), Drops: make(map[string]int), MeanAvg: exp.qstats.mean(lnk.ID)}
		for _, reason := range []Admission{CapacityExceeded, REDProbabilistic, REDForced} {
			if n := q.Drops(reason); n > 0 {
				qs.Drops[reason.String()] = n
				sum.Drops[reason.String()] += n
			}
		}
		if red, ok := q.Policy().(*RED); ok {
			qs.MeanREDAvg = red.MeanAverage()
		}
		sum.Queues = append(sum.Queues, qs)
	}
	return sum
}

// String lays the summary out for a terminal
func (sum *Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "experiment %s ended at %.3f s after %d events\n", sum.Name, sum.EndTime, sum.EventsFired)
	fmt.Fprintf(&sb, "total bytes delivered: %d\n", sum.TotalDelivered)
	for _, fs := range sum.Flows {
		fmt.Fprintf(&sb, "flow %d (%s): delivered %d, final cwnd %d, %s, retransmits %d, timeouts %d\n",
			fs.ID, fs.Name, fs.Delivered, fs.FinalCwnd, fs.State, fs.Stats.Retransmits, fs.Stats.Timeouts)
	}
	reasons := make([]string, 0, len(sum.Drops))
	for reason := range sum.Drops {
		reasons = append(reasons, reason)
	}
	slices.Sort(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(&sb, "drops %s: %d\n", reason, sum.Drops[reason])
	}
	for _, qs := range sum.Queues {
		fmt.Fprintf(&sb, "queue %s (%s): admitted %d, mean avg length %.4f", qs.Link, qs.Policy,
			qs.Admitted, qs.MeanAvg)
		if qs.Policy == "red" {
			fmt.Fprintf(&sb, ", mean red avg %.4f", qs.MeanREDAvg)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// WriteToFile stores the summary as yaml or json, by the extension of filename
func (sum *Summary) WriteToFile(filename string) error {
	return writeDesc(filename, sum)
}

// queueStats is an internal QueueSink that keeps, per link, the reported
// average length and how long each value was held
type queueStats struct {
	last    map[int]float64 // time of the latest report
	avg     map[int]float64 // latest reported average
	values  map[int][]float64
	weights map[int][]float64
}

func createQueueStats() *queueStats {
	return &queueStats{last: make(map[int]float64), avg: make(map[int]float64),
		values: make(map[int][]float64), weights: make(map[int][]float64)}
}

// QueueChanged implements QueueSink
func (qs *queueStats) QueueChanged(t float64, linkID int, length int, avg float64) {
	qs.hold(t, linkID)
	qs.last[linkID] = t
	qs.avg[linkID] = avg
}

// hold credits the latest average with the time since it was reported
func (qs *queueStats) hold(t float64, linkID int) {
	last, present := qs.last[linkID]
	if !present || t <= last {
		return
	}
	qs.values[linkID] = append(qs.values[linkID], qs.avg[linkID])
	qs.weights[linkID] = append(qs.weights[linkID], t-last)
}

// close credits every link's latest average up to the end of the run
func (qs *queueStats) close(t float64) {
	ids := make([]int, 0, len(qs.last))
	for id := range qs.last {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		qs.hold(t, id)
		qs.last[id] = t
	}
}

// mean is the time-weighted mean of a link's reported average
func (qs *queueStats) mean(linkID int) float64 {
	if len(qs.values[linkID]) == 0 {
		return qs.avg[linkID]
	}
	return stat.Mean(qs.values[linkID], qs.weights[linkID])
}
