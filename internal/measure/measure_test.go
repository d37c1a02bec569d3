package measure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/bandwidth"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/load"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/selector"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/progress"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
)

func samples(ms ...float64) []latency.Sample {
	out := make([]latency.Sample, 0, len(ms))
	for _, v := range ms {
		if v < 0 {
			out = append(out, latency.Sample{})
			continue
		}
		out = append(out, latency.Sample{RTT: time.Duration(v * float64(time.Millisecond)), OK: true})
	}
	return out
}

// fakeSelector picks the first server of a pool unless the pool is empty or
// the protocol is listed as unreachable.
type fakeSelector struct {
	unreachable map[target.Protocol]bool
}

func (f *fakeSelector) SelectBest(ctx context.Context, candidates []target.Server, protocol target.Protocol) (selector.Selection, error) {
	if len(candidates) == 0 || f.unreachable[protocol] {
		return selector.Selection{}, selector.ErrAllCandidatesUnreachable
	}
	return selector.Selection{
		Server:    candidates[0],
		Probe:     latency.Result{Protocol: protocol, Samples: samples(10, 12, 11, -1)},
		LatencyMs: 11,
	}, nil
}

// fakeRunner moves size bytes in one second, failing for sizes listed in fail.
type fakeRunner struct {
	mu   sync.Mutex
	jobs []bandwidth.Job
	fail map[int64]bool
}

func (f *fakeRunner) Run(ctx context.Context, job bandwidth.Job, sink progress.Sink) bandwidth.Measurement {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	m := bandwidth.Measurement{Task: job.Task, Protocol: job.Protocol, Direction: job.Direction, Size: job.Size, Attempts: 1}
	if f.fail[job.Size] {
		m.Err = bandwidth.ErrTransferExhausted
		return m
	}
	m.Bytes = job.Size
	m.Elapsed = time.Second
	sink.Update(progress.Update{Task: job.Task, Bytes: job.Size, Total: job.Size, Done: true})
	return m
}

type fakeHandle struct {
	series load.Series
}

func (h fakeHandle) Wait() load.Series        { return h.series }
func (h fakeHandle) Latest() (float64, bool) { return 0, false }

type fakeSampler struct {
	samples []latency.Sample
}

func (f fakeSampler) Start(ctx context.Context, server target.Server, protocol target.Protocol, duration time.Duration) LoadHandle {
	return fakeHandle{series: load.Series{Protocol: protocol, Samples: f.samples}}
}

var pools = map[target.Direction][]target.Server{
	target.Download: {{Host: "down.example"}},
	target.Upload:   {{Host: "up.example"}},
}

func newOrchestrator(sel Selector, runner Runner, sampler Sampler, protocols []target.Protocol) *Orchestrator {
	return New(sel, runner, sampler, results.NewAggregator(protocols, logging.Discard()), logging.Discard())
}

func TestRunCompletesEveryRole(t *testing.T) {
	protocols := []target.Protocol{target.TCP, target.UDP}
	runner := &fakeRunner{}
	o := newOrchestrator(&fakeSelector{}, runner, fakeSampler{samples: samples(30, 50)}, protocols)

	report, err := o.Run(context.Background(), Plan{
		Pools:       pools,
		Protocols:   protocols,
		Sizes:       []int64{1_000_000, 10_000_000},
		Concurrency: 2,
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.ID == "" {
		t.Fatalf("missing run ID")
	}
	if !report.Valid || len(report.Missing) != 0 {
		t.Fatalf("report invalid, missing %v", report.Missing)
	}
	if len(report.Passes) != 4 || len(runner.jobs) != 8 {
		t.Fatalf("passes = %d, jobs = %d", len(report.Passes), len(runner.jobs))
	}

	// (8 + 80) / 2 Mbps
	if v, _ := report.Results.Get("download_tcp"); v != 44 {
		t.Fatalf("download_tcp = %v, want 44", v)
	}
	if v, _ := report.Results.Get("latency_udp"); v != 11 {
		t.Fatalf("latency_udp = %v, want 11", v)
	}
	if v, _ := report.Results.Get("jitter_tcp"); v != 1 {
		t.Fatalf("jitter_tcp = %v, want 1", v)
	}
	if v, _ := report.Results.Get("packet_loss_tcp"); v != 25 {
		t.Fatalf("packet_loss_tcp = %v, want 25", v)
	}
	if v, _ := report.Results.Get("loaded_latency_udp"); v != 40 {
		t.Fatalf("loaded_latency_udp = %v, want 40", v)
	}

	want := []State{SelectingServer, ServerSelected, TransferInFlight, ServerSelected, TransferInFlight, ServerSelected, RoleComplete}
	for _, pass := range report.Passes {
		if pass.State != RoleComplete {
			t.Fatalf("%s %s ended in %s", pass.Role, pass.Protocol, pass.State)
		}
		if len(pass.Trace) != len(want) {
			t.Fatalf("trace = %v, want %v", pass.Trace, want)
		}
		for i := range want {
			if pass.Trace[i] != want[i] {
				t.Fatalf("trace = %v, want %v", pass.Trace, want)
			}
		}
	}

	rec := report.Record(protocols)
	if rec.Servers["upload_tcp"] != "up.example:5121" || !rec.Valid {
		t.Fatalf("Record() = %+v", rec)
	}
}

func TestFailedTransferCountsAsZero(t *testing.T) {
	protocols := []target.Protocol{target.TCP}
	runner := &fakeRunner{fail: map[int64]bool{10_000_000: true}}
	o := newOrchestrator(&fakeSelector{}, runner, fakeSampler{}, protocols)

	report, err := o.Run(context.Background(), Plan{
		Pools:     pools,
		Protocols: protocols,
		Sizes:     []int64{1_000_000, 10_000_000},
	}, progress.Discard)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v, _ := report.Results.Get("upload_tcp"); v != 4 {
		t.Fatalf("upload_tcp = %v, want 4", v)
	}
	if _, ok := report.Results.Get("loaded_latency_tcp"); ok {
		t.Fatalf("loaded latency should be absent when no load sample succeeded")
	}
	if v, ok := report.Results["loaded_latency_tcp"]; !ok || v != nil {
		t.Fatalf("loaded_latency_tcp should be present as absent")
	}
}

func TestSkippedRole(t *testing.T) {
	protocols := []target.Protocol{target.TCP, target.ICMP}
	o := newOrchestrator(&fakeSelector{unreachable: map[target.Protocol]bool{target.ICMP: true}}, &fakeRunner{}, fakeSampler{}, protocols)

	report, err := o.Run(context.Background(), Plan{
		Pools:     pools,
		Protocols: protocols,
		Sizes:     []int64{1_000_000},
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Valid {
		t.Fatalf("report with skipped icmp roles should be invalid")
	}
	if _, ok := report.Results.Get("download_tcp"); !ok {
		t.Fatalf("tcp results missing")
	}
	v, ok := report.Results["download_icmp"]
	if !ok || v != nil {
		t.Fatalf("download_icmp should be present as absent")
	}
	if _, ok := report.Results["latency_icmp"]; ok {
		t.Fatalf("skipped role must not produce latency keys")
	}

	for _, pass := range report.Passes {
		if pass.Protocol != target.ICMP {
			continue
		}
		if pass.State != RoleSkipped || !errors.Is(pass.Err, selector.ErrAllCandidatesUnreachable) {
			t.Fatalf("icmp pass state = %s, err = %v", pass.State, pass.Err)
		}
	}
}

func TestNoData(t *testing.T) {
	protocols := []target.Protocol{target.UDP}
	o := newOrchestrator(&fakeSelector{}, &fakeRunner{}, fakeSampler{}, protocols)

	report, err := o.Run(context.Background(), Plan{
		Pools:     map[target.Direction][]target.Server{},
		Protocols: protocols,
		Sizes:     []int64{1_000_000},
	}, nil)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("Run() error = %v, want ErrNoData", err)
	}
	if len(report.Passes) != 2 {
		t.Fatalf("report should still carry both passes, got %d", len(report.Passes))
	}
}

func TestSizeLabel(t *testing.T) {
	tests := map[int64]string{
		0:             "0B",
		1500:          "1.5KB",
		1_000_000:     "1MB",
		25_000_000:    "25MB",
		1_000_000_000: "1GB",
	}
	for in, want := range tests {
		if got := sizeLabel(in); got != want {
			t.Fatalf("sizeLabel(%d) = %q, want %q", in, got, want)
		}
	}
}
