// Package selector picks the lowest latency server from a candidate pool.
package selector

import (
	"context"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var ErrAllCandidatesUnreachable = errors.New("all candidates unreachable")

// Prober is satisfied by *latency.Client.
type Prober interface {
	Probe(ctx context.Context, server target.Server, protocol target.Protocol, attempts int) latency.Result
}

// Selection is the chosen server and the probe result that won it.
type Selection struct {
	Server    target.Server
	Probe     latency.Result
	LatencyMs float64
}

type Selector struct {
	prober   Prober
	attempts int
	logger   logging.Logger
}

func New(prober Prober, attempts int, logger logging.Logger) *Selector {
	if attempts < 1 {
		attempts = 1
	}
	return &Selector{
		prober:   prober,
		attempts: attempts,
		logger:   logger,
	}
}

// SelectBest probes every candidate concurrently and returns the reachable
// one with the strictly lowest mean latency. Ties go to the earlier
// candidate.
func (s *Selector) SelectBest(ctx context.Context, candidates []target.Server, protocol target.Protocol) (Selection, error) {
	logger := s.logger.With("protocol", string(protocol))

	pool := lo.Filter(candidates, func(c target.Server, _ int) bool {
		return c.Supports(protocol)
	})
	if len(pool) == 0 {
		return Selection{}, errors.Wrapf(ErrAllCandidatesUnreachable, "no %s candidates configured", protocol)
	}

	results := make([]latency.Result, len(pool))
	g, gctx := errgroup.WithContext(ctx)
	for i, candidate := range pool {
		g.Go(func() error {
			results[i] = s.prober.Probe(gctx, candidate, protocol, s.attempts)
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	var bestMean float64
	for i, r := range results {
		mean, ok := r.Mean()
		if !ok {
			logger.Warnf("%s unreachable", pool[i])
			continue
		}
		logger.Infof("%s reachable, latency %.2f ms, loss %.0f%%", pool[i], mean, r.Loss())
		if best < 0 || mean < bestMean {
			best = i
			bestMean = mean
		}
	}

	if best < 0 {
		return Selection{}, errors.Wrapf(ErrAllCandidatesUnreachable, "%d %s candidates probed", len(pool), protocol)
	}

	return Selection{
		Server:    pool[best],
		Probe:     results[best],
		LatencyMs: bestMean,
	}, nil
}
