// Package load samples latency in the background while a transfer runs.
package load

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
)

const (
	DefaultDuration = 10 * time.Second
	DefaultInterval = time.Second
)

// Pinger issues one latency probe; satisfied by *latency.Client.
type Pinger interface {
	Ping(ctx context.Context, server target.Server, protocol target.Protocol) (time.Duration, error)
}

// Series is the ordered set of samples collected during one transfer.
type Series struct {
	Protocol target.Protocol
	Samples  []latency.Sample
}

// Mean latency under load in ms, absent when every sample failed.
func (s Series) Mean() (float64, bool) {
	return latency.Result{Samples: s.Samples}.Mean()
}

func (s Series) Len() int {
	return len(s.Samples)
}

type Sampler struct {
	pinger   Pinger
	interval time.Duration
	logger   logging.Logger
}

func NewSampler(pinger Pinger, interval time.Duration, logger logging.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		pinger:   pinger,
		interval: interval,
		logger:   logger,
	}
}

// Handle is the caller's side of a running sampler.
type Handle struct {
	done   chan Series
	series *Series
	latest atomic.Uint64
}

// Wait blocks until the sampler finishes and returns its series. The series
// is only handed over once the background goroutine has stopped writing.
func (h *Handle) Wait() Series {
	if h.series == nil {
		s := <-h.done
		h.series = &s
	}
	return *h.series
}

// Latest returns the most recent successful sample in ms, for display.
func (h *Handle) Latest() (float64, bool) {
	bits := h.latest.Load()
	if bits == 0 {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

// Start launches the background probe loop. It takes one sample per
// interval, ceil(duration/interval) in total, and stops early only when the
// parent context is cancelled.
func (s *Sampler) Start(ctx context.Context, server target.Server, protocol target.Protocol, duration time.Duration) *Handle {
	if duration <= 0 {
		duration = DefaultDuration
	}
	count := int(math.Ceil(float64(duration) / float64(s.interval)))
	h := &Handle{done: make(chan Series, 1)}

	go s.run(ctx, h, server, protocol, count)

	return h
}

func (s *Sampler) run(ctx context.Context, h *Handle, server target.Server, protocol target.Protocol, count int) {
	logger := s.logger.With("protocol", string(protocol), "host", server.Host)
	series := Series{
		Protocol: protocol,
		Samples:  make([]latency.Sample, 0, count),
	}
	defer func() {
		h.done <- series
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		cycleStart := time.Now()
		pingCtx, cancel := context.WithDeadline(ctx, cycleStart.Add(s.interval))
		rtt, err := s.pinger.Ping(pingCtx, server, protocol)
		cancel()

		if err != nil {
			logger.Debugf("load sample %d failed: %v", i+1, err)
			series.Samples = append(series.Samples, latency.Sample{})
		} else {
			sample := latency.Sample{RTT: rtt, OK: true}
			series.Samples = append(series.Samples, sample)
			h.latest.Store(math.Float64bits(sample.Millis()))
		}

		if i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
