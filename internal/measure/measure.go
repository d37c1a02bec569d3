// Package measure runs selection, transfers and load sampling for every
// test role and protocol, and aggregates the outcome into a result set.
package measure

import (
	"context"
	"fmt"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/bandwidth"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/load"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/selector"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/progress"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ErrNoData is returned when every role was skipped.
var ErrNoData = errors.New("no data collected for any role")

// State of one role/protocol pass.
type State string

const (
	SelectingServer  State = "selecting_server"
	ServerSelected   State = "server_selected"
	TransferInFlight State = "transfer_in_flight"
	RoleComplete     State = "role_complete"
	RoleSkipped      State = "role_skipped"
)

type Selector interface {
	SelectBest(ctx context.Context, candidates []target.Server, protocol target.Protocol) (selector.Selection, error)
}

type Runner interface {
	Run(ctx context.Context, job bandwidth.Job, sink progress.Sink) bandwidth.Measurement
}

// LoadHandle is the caller side of a running load sampler.
type LoadHandle interface {
	Wait() load.Series
	Latest() (float64, bool)
}

type Sampler interface {
	Start(ctx context.Context, server target.Server, protocol target.Protocol, duration time.Duration) LoadHandle
}

type loadSampler struct {
	s *load.Sampler
}

func (l loadSampler) Start(ctx context.Context, server target.Server, protocol target.Protocol, duration time.Duration) LoadHandle {
	return l.s.Start(ctx, server, protocol, duration)
}

// LoadSampler adapts a *load.Sampler.
func LoadSampler(s *load.Sampler) Sampler {
	return loadSampler{s: s}
}

// Plan is what one run measures.
type Plan struct {
	Pools        map[target.Direction][]target.Server
	Protocols    []target.Protocol
	Sizes        []int64
	LoadDuration time.Duration
	// Passes run at once, at least 1
	Concurrency int
}

type TransferReport struct {
	Measurement bandwidth.Measurement
	Load        load.Series
}

// LoadedLatency returns the mean latency under load in ms, if any sample succeeded.
func (t TransferReport) LoadedLatency() (float64, bool) {
	return t.Load.Mean()
}

// RoleReport is the outcome of one role/protocol pass.
type RoleReport struct {
	Role      target.Direction
	Protocol  target.Protocol
	State     State
	Trace     []State
	Selection *selector.Selection
	Transfers []TransferReport
	Results   results.Set
	Err       error
}

func (r *RoleReport) transition(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

type Report struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Passes   []RoleReport
	Results  results.Set
	Valid    bool
	Missing  []string
}

// Record converts the report for persistence.
func (r Report) Record(protocols []target.Protocol) results.Record {
	servers := make(map[string]string)
	for _, p := range r.Passes {
		if p.Selection != nil {
			servers[results.Key(string(p.Role), p.Protocol)] = p.Selection.Server.Address()
		}
	}
	return results.Record{
		ID:        r.ID,
		Timestamp: r.Started,
		Protocols: protocols,
		Servers:   servers,
		Results:   r.Results,
		Valid:     r.Valid,
	}
}

type Orchestrator struct {
	selector   Selector
	runner     Runner
	sampler    Sampler
	aggregator *results.Aggregator
	logger     logging.Logger
}

func New(sel Selector, runner Runner, sampler Sampler, aggregator *results.Aggregator, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		selector:   sel,
		runner:     runner,
		sampler:    sampler,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Run executes one pass per role and protocol and merges their results.
// The report is always returned; the error is ErrNoData when every pass
// was skipped, or the context error.
func (o *Orchestrator) Run(ctx context.Context, plan Plan, sink progress.Sink) (Report, error) {
	if sink == nil {
		sink = progress.Discard
	}
	report := Report{
		ID:      uuid.NewString(),
		Started: time.Now(),
	}
	logger := o.logger.With("run", report.ID)

	type pass struct {
		role     target.Direction
		protocol target.Protocol
	}
	var passes []pass
	for _, role := range target.Directions {
		for _, p := range plan.Protocols {
			passes = append(passes, pass{role: role, protocol: p})
		}
	}

	report.Passes = make([]RoleReport, len(passes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(plan.Concurrency, 1))
	for i, ps := range passes {
		g.Go(func() error {
			report.Passes[i] = o.runPass(gctx, plan, ps.role, ps.protocol, sink)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = o.aggregator.Merge(lo.Map(report.Passes, func(r RoleReport, _ int) results.Set {
		return r.Results
	})...)
	report.Valid = o.aggregator.Validate(report.Results)
	report.Missing = results.Missing(report.Results, o.aggregator.Required())
	report.Finished = time.Now()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	skipped := lo.CountBy(report.Passes, func(r RoleReport) bool { return r.State == RoleSkipped })
	if skipped == len(report.Passes) {
		logger.Errorf("every role was skipped")
		return report, ErrNoData
	}
	logger.Infof("run complete in %s, %d of %d passes skipped", report.Finished.Sub(report.Started).Round(time.Millisecond), skipped, len(report.Passes))
	return report, nil
}

func (o *Orchestrator) runPass(ctx context.Context, plan Plan, role target.Direction, protocol target.Protocol, sink progress.Sink) RoleReport {
	logger := o.logger.With("protocol", string(protocol), "role", string(role))
	rep := RoleReport{Role: role, Protocol: protocol}

	rep.transition(SelectingServer)
	sel, err := o.selector.SelectBest(ctx, plan.Pools[role], protocol)
	if err != nil {
		rep.transition(RoleSkipped)
		rep.Err = err
		rep.Results = results.Set{results.Key(string(role), protocol): nil}
		logger.Errorf("skipping %s tests: %v", role, err)
		return rep
	}
	rep.Selection = &sel
	rep.transition(ServerSelected)
	logger.Infof("selected %s (%.2f ms)", sel.Server, sel.LatencyMs)

	for _, size := range plan.Sizes {
		rep.transition(TransferInFlight)

		handle := o.sampler.Start(ctx, sel.Server, protocol, plan.LoadDuration)
		m := o.runner.Run(ctx, bandwidth.Job{
			Task:      fmt.Sprintf("%s %s %s", role, protocol, sizeLabel(size)),
			Server:    sel.Server,
			Protocol:  protocol,
			Direction: role,
			Size:      size,
			Latency:   handle.Latest,
		}, sink)
		series := handle.Wait()

		tr := TransferReport{Measurement: m, Load: series}
		if loaded, ok := tr.LoadedLatency(); ok {
			logger.Debugf("latency under load %.2f ms over %d samples", loaded, series.Len())
		} else {
			logger.Warnf("no latency under load for %s transfer", sizeLabel(size))
		}
		rep.Transfers = append(rep.Transfers, tr)
		rep.transition(ServerSelected)
	}

	rep.transition(RoleComplete)
	rep.Results = summarize(rep)
	return rep
}

// summarize turns a completed pass into result set entries.
func summarize(rep RoleReport) results.Set {
	set := results.Set{}
	p := rep.Protocol

	set[results.Key(string(rep.Role), p)] = nil
	if len(rep.Transfers) > 0 {
		speed := lo.SumBy(rep.Transfers, func(t TransferReport) float64 { return t.Measurement.Mbps() })
		set[results.Key(string(rep.Role), p)] = results.Float(speed / float64(len(rep.Transfers)))
	}

	if rep.Selection != nil {
		probe := rep.Selection.Probe
		set[results.Key(results.Latency, p)] = nil
		if mean, ok := probe.Mean(); ok {
			set[results.Key(results.Latency, p)] = results.Float(mean)
		}
		set[results.Key(results.Jitter, p)] = nil
		if jitter, ok := probe.Jitter(); ok {
			set[results.Key(results.Jitter, p)] = results.Float(jitter)
		}
		set[results.Key(results.PacketLoss, p)] = results.Float(probe.Loss())
	}

	loaded := lo.FilterMap(rep.Transfers, func(t TransferReport, _ int) (float64, bool) {
		return t.LoadedLatency()
	})
	set[results.Key(results.LoadedLatency, p)] = nil
	if len(loaded) > 0 {
		set[results.Key(results.LoadedLatency, p)] = results.Float(lo.Sum(loaded) / float64(len(loaded)))
	}

	return set
}

func sizeLabel(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%gGB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%gMB", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%gKB", float64(n)/1e3)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
