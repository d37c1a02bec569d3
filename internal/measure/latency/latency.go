package latency

import (
	"context"
	"net"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
)

const (
	DefaultTimeout = 2 * time.Second
	DefaultPause   = 100 * time.Millisecond
)

// ErrUnreachable marks a single failed probe attempt.
var ErrUnreachable = errors.New("unreachable")

// Sample is one round trip; OK is false when the attempt failed.
type Sample struct {
	RTT time.Duration
	OK  bool
}

// Millis returns the round trip in milliseconds.
func (s Sample) Millis() float64 {
	return float64(s.RTT.Microseconds()) / 1000.0
}

type Result struct {
	Protocol target.Protocol
	Host     string
	Samples  []Sample
}

func (r Result) successes() []float64 {
	out := make([]float64, 0, len(r.Samples))
	for _, s := range r.Samples {
		if s.OK {
			out = append(out, s.Millis())
		}
	}
	return out
}

// Mean latency in ms over successful samples.
func (r Result) Mean() (float64, bool) {
	return Mean(r.successes())
}

// Jitter is the sample standard deviation of successful samples in ms,
// absent with fewer than two successes.
func (r Result) Jitter() (float64, bool) {
	return StdDev(r.successes())
}

// Loss is the percentage of attempts that produced no sample.
func (r Result) Loss() float64 {
	if len(r.Samples) == 0 {
		return 0
	}
	return float64(len(r.Samples)-len(r.successes())) / float64(len(r.Samples)) * 100
}

func (r Result) Reachable() bool {
	_, ok := r.Mean()
	return ok
}

type Client struct {
	// Source address for dials and echo requests, nil for the default route
	SourceIP net.IP
	// Per-attempt timeout
	Timeout time.Duration
	// Pause between attempts against the same host
	Pause time.Duration
	// Use raw ICMP sockets (requires CAP_NET_RAW)
	Privileged bool

	logger logging.Logger
}

func NewClient(logger logging.Logger) *Client {
	return &Client{
		Timeout: DefaultTimeout,
		Pause:   DefaultPause,
		logger:  logger,
	}
}

// Ping issues a single probe.
func (c *Client) Ping(ctx context.Context, server target.Server, protocol target.Protocol) (time.Duration, error) {
	switch protocol {
	case target.TCP:
		return c.pingTCP(ctx, server)
	case target.UDP:
		return c.pingUDP(ctx, server)
	case target.ICMP:
		return c.pingICMP(ctx, server)
	default:
		return 0, errors.Errorf("unsupported protocol %q", protocol)
	}
}

// Probe runs attempts sequentially against one host. Failed attempts become
// absent samples; it never returns an error.
func (c *Client) Probe(ctx context.Context, server target.Server, protocol target.Protocol, attempts int) Result {
	result := Result{
		Protocol: protocol,
		Host:     server.Host,
		Samples:  make([]Sample, 0, attempts),
	}
	logger := c.logger.With("protocol", string(protocol), "host", server.Host)

	for i := 0; i < attempts; i++ {
		if i > 0 && c.Pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.Pause):
			}
		}
		if ctx.Err() != nil {
			result.Samples = append(result.Samples, Sample{})
			continue
		}

		rtt, err := c.Ping(ctx, server, protocol)
		if err != nil {
			logger.Debugf("probe %d failed: %v", i+1, err)
			result.Samples = append(result.Samples, Sample{})
			continue
		}
		logger.Debugf("probe %d: %.2f ms", i+1, float64(rtt.Microseconds())/1000.0)
		result.Samples = append(result.Samples, Sample{RTT: rtt, OK: true})
	}

	return result
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}
