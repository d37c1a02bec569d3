package bandwidth

import (
	"context"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/retry"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/progress"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
)

const (
	progressInterval = 100 * time.Millisecond
	emaAlpha         = 0.2
)

// Job describes one transfer for the Runner.
type Job struct {
	Task      string
	Server    target.Server
	Protocol  target.Protocol
	Direction target.Direction
	Size      int64
	// Latest latency under load, attached to progress updates when set
	Latency func() (float64, bool)
}

type Runner struct {
	// Bound on a single attempt, zero for none
	AttemptTimeout time.Duration

	transports map[target.Protocol]Transport
	policy     retry.Policy
	logger     logging.Logger
}

func NewRunner(transports map[target.Protocol]Transport, policy retry.Policy, logger logging.Logger) *Runner {
	return &Runner{
		transports: transports,
		policy:     policy,
		logger:     logger,
	}
}

// Run performs one transfer under the retry policy. It never returns an
// error: a transfer that fails every attempt yields a measurement with Err
// set and zero speed.
func (r *Runner) Run(ctx context.Context, job Job, sink progress.Sink) Measurement {
	if sink == nil {
		sink = progress.Discard
	}
	logger := r.logger.With("protocol", string(job.Protocol), "task", job.Task)

	m := Measurement{
		Task:      job.Task,
		Protocol:  job.Protocol,
		Direction: job.Direction,
		Size:      job.Size,
	}

	transport, ok := r.transports[job.Protocol]
	if !ok {
		m.Err = errors.Wrapf(ErrTransferExhausted, "no transport for %s", job.Protocol)
		logger.Errorf("%v", m.Err)
		sink.Update(progress.Update{Task: job.Task, Protocol: job.Protocol, Direction: job.Direction, Total: job.Size, Done: true, Err: m.Err})
		return m
	}

	if job.Size <= 0 {
		m.Attempts = 1
		sink.Update(progress.Update{Task: job.Task, Protocol: job.Protocol, Direction: job.Direction, Done: true})
		return m
	}

	policy := r.policy
	policy.Logger = logger

	var current *meter
	result, attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (Transfer, error) {
		current = newMeter(job, sink)
		if r.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.AttemptTimeout)
			defer cancel()
		}
		return transport.Transfer(ctx, job.Server, job.Direction, job.Size, current.add)
	})
	m.Attempts = attempts

	if err != nil {
		m.Err = errors.Wrapf(ErrTransferExhausted, "%s %s %d bytes: %v", job.Direction, job.Protocol, job.Size, err)
		logger.Errorf("transfer failed: %v", err)
		current.finish(m.Err)
		return m
	}

	m.Bytes = result.Bytes
	m.Elapsed = result.Elapsed
	m.Retransmits = result.Retransmits
	m.Datagrams = result.Datagrams
	m.Lost = result.Lost
	current.speed = m.Speed()
	current.finish(nil)

	logger.Infof("%d bytes in %s, %.2f Mbps", m.Bytes, m.Elapsed.Round(time.Millisecond), m.Mbps())
	return m
}

// meter turns byte counts into throttled, smoothed progress updates.
type meter struct {
	job  Job
	sink progress.Sink

	bytes     int64
	lastBytes int64
	lastTime  time.Time
	speed     float64
}

func newMeter(job Job, sink progress.Sink) *meter {
	return &meter{
		job:      job,
		sink:     sink,
		lastTime: time.Now(),
	}
}

func (m *meter) add(n int64) {
	m.bytes += n
	now := time.Now()
	dt := now.Sub(m.lastTime)
	if dt < progressInterval {
		return
	}

	instant := float64(m.bytes-m.lastBytes) * 8 / dt.Seconds()
	if m.speed == 0 {
		m.speed = instant
	} else {
		m.speed = emaAlpha*instant + (1-emaAlpha)*m.speed
	}
	m.lastBytes = m.bytes
	m.lastTime = now

	m.sink.Update(m.update())
}

func (m *meter) finish(err error) {
	u := m.update()
	u.Done = true
	u.Err = err
	if err != nil {
		u.SpeedBps = 0
	}
	m.sink.Update(u)
}

func (m *meter) update() progress.Update {
	u := progress.Update{
		Task:      m.job.Task,
		Protocol:  m.job.Protocol,
		Direction: m.job.Direction,
		Bytes:     m.bytes,
		Total:     m.job.Size,
		SpeedBps:  m.speed,
	}
	if m.job.Latency != nil {
		if v, ok := m.job.Latency(); ok {
			u.LatencyMs = &v
		}
	}
	return u
}
