package main

import (
	"context"
	"net"

	"github.com/DrC0ns0le/net-speedtest/internal/config"
	"github.com/DrC0ns0le/net-speedtest/internal/export"
	"github.com/DrC0ns0le/net-speedtest/internal/measure"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/bandwidth"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/load"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/retry"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/selector"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/metrics"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/DrC0ns0le/net-speedtest/internal/system/netctl"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
)

// engine is every measurement component built from one configuration.
type engine struct {
	cfg       config.Config
	protocols []target.Protocol

	selector     *selector.Selector
	orchestrator *measure.Orchestrator
}

func newEngine(cfg config.Config, logger logging.Logger) (*engine, error) {
	protocols, err := cfg.ParsedProtocols()
	if err != nil {
		return nil, err
	}

	var source net.IP
	if cfg.Interface != "" {
		source, err = netctl.SourceIP(cfg.Interface)
		if err != nil {
			return nil, err
		}
		logger.Infof("binding measurement traffic to %s on %s", source, cfg.Interface)
	}

	pinger := latency.NewClient(logger.With("component", "latency"))
	pinger.SourceIP = source
	pinger.Timeout = cfg.Probe.Timeout.Duration()
	pinger.Pause = cfg.Probe.Pause.Duration()
	pinger.Privileged = cfg.Probe.Privileged

	sel := selector.New(pinger, cfg.Probe.Attempts, logger.With("component", "selector"))

	transports := bandwidth.Transports(bandwidth.Options{
		SourceIP:   source,
		PacketSize: cfg.Transfer.PacketSize,
		RateBps:    cfg.Transfer.UDPRateBps,
		Privileged: cfg.Probe.Privileged,
	})
	runner := bandwidth.NewRunner(transports, retry.Policy{
		Tries:   cfg.Transfer.Retry.Tries,
		Delay:   cfg.Transfer.Retry.Delay.Duration(),
		Backoff: cfg.Transfer.Retry.Backoff,
		Timeout: cfg.Transfer.Retry.Timeout.Duration(),
	}, logger.With("component", "transfer"))
	runner.AttemptTimeout = cfg.Transfer.Timeout.Duration()

	sampler := load.NewSampler(pinger, cfg.Load.Interval.Duration(), logger.With("component", "load"))
	aggregator := results.NewAggregator(protocols, logger.With("component", "results"))

	return &engine{
		cfg:          cfg,
		protocols:    protocols,
		selector:     sel,
		orchestrator: measure.New(sel, runner, measure.LoadSampler(sampler), aggregator, logger),
	}, nil
}

func (e *engine) plan() measure.Plan {
	pools := make(map[target.Direction][]target.Server, len(target.Directions))
	for _, role := range target.Directions {
		pools[role] = e.cfg.Servers.Pool(role)
	}
	return measure.Plan{
		Pools:        pools,
		Protocols:    e.protocols,
		Sizes:        e.cfg.SizeBytes(),
		LoadDuration: e.cfg.Load.Duration.Duration(),
		Concurrency:  e.cfg.Concurrency,
	}
}

// publisher hands finished runs to every configured destination.
type publisher struct {
	output   config.OutputConfig
	history  *results.History
	elastic  *export.Elastic
	exporter *metrics.Exporter
	logger   logging.Logger
}

func newPublisher(cfg config.Config, exporter *metrics.Exporter, logger logging.Logger) (*publisher, error) {
	p := &publisher{
		output:   cfg.Output,
		exporter: exporter,
		logger:   logger.With("component", "publish"),
	}

	if cfg.Output.History != "" {
		h, err := results.OpenHistory(cfg.Output.History)
		if err != nil {
			return nil, err
		}
		p.history = h
	}

	if cfg.Elastic.Enabled() {
		es, err := export.NewElastic(cfg.Elastic, logger.With("component", "elastic"))
		if err != nil {
			p.Close()
			return nil, err
		}
		p.elastic = es
	}
	return p, nil
}

// Publish updates metrics with every run and persists valid ones.
func (p *publisher) Publish(ctx context.Context, rec results.Record) {
	if p.exporter != nil {
		p.exporter.Observe(rec)
	}
	if !rec.Valid {
		p.logger.Warnf("run %s is incomplete, not saving", rec.ID)
		return
	}

	path, err := results.Save(p.output.Dir, rec, p.output.Compress)
	if err != nil {
		p.logger.Errorf("save run %s: %v", rec.ID, err)
	} else {
		p.logger.Infof("results saved to %s", path)
	}

	if p.history != nil {
		aggregate, err := p.history.Append(rec)
		if err != nil {
			p.logger.Errorf("record run %s: %v", rec.ID, err)
		} else {
			p.logger.Debugf("history aggregate now holds %d keys", len(aggregate))
		}
	}

	if p.elastic != nil {
		if err := p.elastic.Export(ctx, rec); err != nil {
			p.logger.Errorf("export run %s: %v", rec.ID, err)
		}
	}
}

func (p *publisher) Close() {
	if p.history != nil {
		if err := p.history.Close(); err != nil {
			p.logger.Warnf("close history: %v", err)
		}
	}
}
