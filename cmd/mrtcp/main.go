// Command mrtcp runs the dumbbell experiment: two TCP NewReno flows share a
// bottleneck link whose queue is tail-drop or RED, and a summary is printed
// at the end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iti/mrtcp"
	"github.com/iti/mrtcp/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

type options struct {
	linkBW    float64
	cdLinkBW  float64
	queueSize int
	runtime   float64
	policy    string
	seed      uint64
	expFile   string
	topoFile  string
	traceFile string
	sumFile   string
	metrics   string
	logLevel  string
	logFormat string
}

func parseFlags(args []string) (*options, map[string]bool, error) {
	opts := new(options)
	fs := flag.NewFlagSet("mrtcp", flag.ContinueOnError)
	fs.Float64Var(&opts.linkBW, "linkBW", 6.0, "bandwidth of the access links, Mbps")
	fs.Float64Var(&opts.cdLinkBW, "CDlinkBW", 5.0, "bandwidth of the bottleneck link, Mbps")
	fs.IntVar(&opts.queueSize, "queuesize", 17, "capacity of the bottleneck queue, packets")
	fs.Float64Var(&opts.runtime, "runtime", 20.0, "seconds the sources run")
	fs.StringVar(&opts.policy, "policy", "tail-drop", "bottleneck drop policy: tail-drop or red")
	fs.Uint64Var(&opts.seed, "seed", 1, "seed for the RED random stream")
	fs.StringVar(&opts.expFile, "exp", "", "experiment parameter file (yaml or json); flags given override it")
	fs.StringVar(&opts.topoFile, "topo", "", "topology file (yaml or json) replacing the standard four-node network")
	fs.StringVar(&opts.traceFile, "trace", "", "write cwnd, admission and queue traces to this file (yaml or json)")
	fs.StringVar(&opts.sumFile, "summary", "", "write the summary to this file (yaml or json)")
	fs.StringVar(&opts.metrics, "metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error; LOG_LEVEL when not given")
	fs.StringVar(&opts.logFormat, "log-format", "text", "text or json; LOG_FORMAT when not given")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return opts, set, nil
}

// expParams starts from the defaults or the -exp file and applies the flags
// that were given on the command line
func expParams(opts *options, set map[string]bool) (*mrtcp.ExpParams, error) {
	params := mrtcp.DefaultExpParams()
	if opts.expFile != "" {
		read, err := mrtcp.ReadExpParams(opts.expFile, mrtcp.UseYAML(opts.expFile), nil)
		if err != nil {
			return nil, err
		}
		params = *read
	}
	if opts.expFile == "" || set["linkBW"] {
		params.LinkBWMbps = opts.linkBW
	}
	if opts.expFile == "" || set["CDlinkBW"] {
		params.BottleneckBWMbps = opts.cdLinkBW
	}
	if opts.expFile == "" || set["queuesize"] {
		params.QueueSize = opts.queueSize
	}
	if opts.expFile == "" || set["runtime"] {
		params.Runtime = opts.runtime
	}
	if opts.expFile == "" || set["policy"] {
		params.Policy = opts.policy
	}
	if opts.expFile == "" || set["seed"] {
		params.Seed = opts.seed
	}
	return &params, nil
}

// newLogger follows LOG_LEVEL and LOG_FORMAT unless a log flag was given
func newLogger(opts *options, set map[string]bool) logging.Logger {
	if set["log-level"] || set["log-format"] {
		return logging.New(logging.Config{Level: opts.logLevel, Format: opts.logFormat})
	}
	return logging.NewFromEnv()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mrtcp: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, set, err := parseFlags(args)
	if err != nil {
		return err
	}
	log := newLogger(opts, set)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params, err := expParams(opts, set)
	if err != nil {
		return err
	}
	var topo *mrtcp.TopoCfg
	if opts.topoFile != "" {
		topo, err = mrtcp.ReadTopoCfg(opts.topoFile, mrtcp.UseYAML(opts.topoFile), nil)
		if err != nil {
			return err
		}
	}

	exp, err := mrtcp.BuildExperiment(*params, topo, log)
	if err != nil {
		return err
	}

	var tm *mrtcp.TraceManager
	if opts.traceFile != "" {
		tm = mrtcp.CreateTraceManager(params.Name, true)
		exp.RegisterNames(tm)
		if err := exp.Register(tm); err != nil {
			return err
		}
	}

	var srv *http.Server
	if opts.metrics != "" {
		reg := prometheus.NewRegistry()
		collector, err := mrtcp.NewSimCollector(reg)
		if err != nil {
			return err
		}
		if err := exp.Register(collector); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv = &http.Server{Addr: opts.metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "metrics server failed", logging.String("error", err.Error()))
			}
		}()
		log.Info(ctx, "serving metrics", logging.String("addr", opts.metrics))
	}

	summary, runErr := exp.Run(ctx)
	fmt.Print(summary.String())

	if tm != nil {
		if err := tm.WriteToFile(opts.traceFile); err != nil {
			return err
		}
	}
	if opts.sumFile != "" {
		if err := summary.WriteToFile(opts.sumFile); err != nil {
			return err
		}
	}

	if srv != nil {
		// keep the final values scrapeable until interrupted
		if runErr == nil {
			log.Info(ctx, "run done, metrics stay up until interrupted")
			<-ctx.Done()
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
